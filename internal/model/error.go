package model

// AppError is the structured error payload shared by every administrative
// endpoint. The subscriber-facing endpoint writes plain text instead; proxy
// clients are not browsers.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage"`

	URL  string `json:"url,omitempty"`
	Hint string `json:"hint,omitempty"`
}

type ErrorResponse struct {
	Error AppError `json:"error"`
}
