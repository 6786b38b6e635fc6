package proxy

import "errors"

var (
	// ErrNotAbsolute is recorded for plain proxy requests without an absolute URL.
	ErrNotAbsolute = errors.New("request target is not an absolute URL")
	// ErrHijackUnsupported is recorded when a CONNECT tunnel cannot take over the connection.
	ErrHijackUnsupported = errors.New("response writer does not support hijacking")
	// ErrUpstreamRefused is returned when the upstream proxy rejects a CONNECT.
	ErrUpstreamRefused = errors.New("upstream proxy refused CONNECT")
)
