package domain

import "errors"

// Failure taxonomy. Adapters wrap the underlying cause with one of these so
// callers can classify with errors.Is.
var (
	ErrIndexNotFound         = errors.New("index not found")
	ErrIndexCorrupt          = errors.New("index corrupt")
	ErrEmbeddingProvider     = errors.New("embedding provider failed")
	ErrCompletionProvider    = errors.New("completion provider failed")
	ErrDocumentRead          = errors.New("document read failed")
	ErrSignatureVerification = errors.New("signature verification failed")
	ErrNotFound              = errors.New("not found")
)

// FailureKind maps an error to a stable label for logs, metrics, and chat log rows.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIndexNotFound):
		return "index_not_found"
	case errors.Is(err, ErrIndexCorrupt):
		return "index_corrupt"
	case errors.Is(err, ErrEmbeddingProvider):
		return "embedding_provider"
	case errors.Is(err, ErrCompletionProvider):
		return "completion_provider"
	case errors.Is(err, ErrDocumentRead):
		return "document_read"
	case errors.Is(err, ErrSignatureVerification):
		return "signature_verification"
	default:
		return "unknown"
	}
}
