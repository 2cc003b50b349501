package models

// RenderRequest is the payload for POST /v1/render. WaitForText is
// best-effort: the page is returned even if the text never shows up.
type RenderRequest struct {
	URL         string `json:"url"`
	WaitForText string `json:"waitForText,omitempty"`
	TimeoutMs   int    `json:"timeoutMs,omitempty"`
}

// RenderResponse carries the final DOM of a rendered page.
type RenderResponse struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

// ErrorResponse is the structured error body returned for every failed
// request. Kind is stable per error class so clients can tell "try again
// later" apart from "your task failed".
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
