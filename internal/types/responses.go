package types

// Slug is a machine-readable response classification, mainly used by the
// client to understand the type of the response.
type Slug string

const (
	SuccessSlug      Slug = "success"
	ErrorSlug        Slug = "error"
	InvalidInputSlug Slug = "invalid-input"
	NotFoundSlug     Slug = "not-found"
	ConflictSlug     Slug = "conflict"
	ServerErrorSlug  Slug = "server-error"
)

// SlugResponse is the envelope for all API responses.
type SlugResponse struct {
	Slug  Slug        `json:"slug"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// ErrInvalidInput returns a SlugResponse with the InvalidInputSlug and the error message
func ErrInvalidInput(msg string) SlugResponse {
	return SlugResponse{Slug: InvalidInputSlug, Error: msg}
}

// ErrNotFound returns a SlugResponse with the NotFoundSlug and the error message
func ErrNotFound(msg string) SlugResponse {
	return SlugResponse{Slug: NotFoundSlug, Error: msg}
}

// ErrConflict returns a SlugResponse with the ConflictSlug and the error message
func ErrConflict(msg string) SlugResponse {
	return SlugResponse{Slug: ConflictSlug, Error: msg}
}

// ErrServer returns a SlugResponse with the ServerErrorSlug and the error message
func ErrServer(msg string) SlugResponse {
	return SlugResponse{Slug: ServerErrorSlug, Error: msg}
}

// Success returns a SlugResponse with the SuccessSlug and the data
func Success(data interface{}) SlugResponse {
	return SlugResponse{Slug: SuccessSlug, Data: data}
}
