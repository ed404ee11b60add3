package gate

import (
	"context"
	"errors"
	"fmt"
	"net"

	"recap/internal/services"
)

// ClassifyStatus maps an HTTP response status to the retry taxonomy:
// 408, 429, and 5xx are transient, other non-2xx permanent. Extra statuses
// from provider config are treated as transient too.
func ClassifyStatus(provider string, status int, extraRetriable []int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	transient := status == 408 || status == 429 || status >= 500
	for _, code := range extraRetriable {
		if status == code {
			transient = true
		}
	}
	marker := services.ErrProviderPermanent
	if transient {
		marker = services.ErrProviderTransient
	}
	return services.Wrap(marker, "", "call", fmt.Sprintf("%s returned HTTP %d", provider, status), nil)
}

// ClassifyTransport maps a transport-level error: cancellations pass through,
// everything else (refused connections, resets, DNS) is transient.
func ClassifyTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	if services.IsCancellation(err) || errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrProviderTransient, "", "call", provider+" timed out", err)
	}
	return services.Wrap(services.ErrProviderTransient, "", "call", provider+" transport failure", err)
}
