package delivery

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Failure classes used as metric labels and in exhaustion envelopes.
const (
	ReasonTimeout           = "timeout"
	ReasonConnectionRefused = "connection_refused"
	ReasonDNS               = "dns_error"
	ReasonNetwork           = "network"
	ReasonHTTP5xx           = "http_5xx"
	ReasonHTTP429           = "http_429"
	ReasonHTTP4xx           = "http_4xx"
	ReasonEncode            = "encode"
	ReasonRequest           = "request"
	ReasonOther             = "other"
)

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		var netErr net.Error
		if errors.Is(doErr, context.DeadlineExceeded) || (errors.As(doErr, &netErr) && netErr.Timeout()) {
			return ReasonTimeout
		}
		var dnsErr *net.DNSError
		if errors.As(doErr, &dnsErr) {
			return ReasonDNS
		}
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") {
			return ReasonTimeout
		}
		if strings.Contains(errLower, "connection refused") {
			return ReasonConnectionRefused
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return ReasonDNS
		}
		return ReasonNetwork
	}
	if status >= 500 {
		return ReasonHTTP5xx
	}
	if status == 429 {
		return ReasonHTTP429
	}
	if status >= 400 {
		return ReasonHTTP4xx
	}
	return ReasonOther
}
