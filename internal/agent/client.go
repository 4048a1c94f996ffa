// Package agent implements the client side of the agent wire protocol: a
// stateful connection per (job, endpoint) pair with the narrow operation
// set the engine drives.
package agent

import (
	"crypto/tls"
	"time"

	"resty.dev/v3"
)

// NewClient builds the shared HTTP client used for every agent call and for
// URL configuration fetches. Agents routinely run with self-signed
// certificates, so verification is bypassed. The underlying transport pools
// connections across all JobConnections.
func NewClient() *resty.Client {
	return resty.New().
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}).
		SetTimeout(30 * time.Second)
}
