// Package model defines shared types for the relay.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// RelayRequest is one client request to relay an upstream resource.
type RelayRequest struct {
	Target *url.URL
	Range  string
}

// UpstreamResponse is the upstream answer after redirects were followed.
// Body is owned by the caller and must be closed.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// FinalURL is the URL that produced this response; manifests resolve
	// relative references against it.
	FinalURL *url.URL
	// Redirects is the number of hops followed to reach FinalURL.
	Redirects int
	// Decoded is set when the body was content-decoded in process, so the
	// upstream Content-Length no longer describes it.
	Decoded bool
}

// ResponseKind is the classifier's verdict on an upstream body.
type ResponseKind int

const (
	// Binary bodies are streamed through unchanged.
	Binary ResponseKind = iota
	// Manifest bodies are verified HLS playlists that get rewritten.
	Manifest
)

func (k ResponseKind) String() string {
	if k == Manifest {
		return "manifest"
	}
	return "binary"
}

// RelayResponse is what the handler writes to the client.
type RelayResponse struct {
	Kind         ResponseKind
	StatusCode   int
	Header       http.Header
	Body         io.ReadCloser
	PlaylistType string
}
