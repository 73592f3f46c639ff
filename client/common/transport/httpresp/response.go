package httpresp

const (
	ErrUnauthorized        = "unauthorized"
	ErrMissingBearerToken  = "bearer token is required"
	ErrInvalidToken        = "invalid token"
	ErrSessionNotStarted   = "realtime session is not started"
	ErrRecipientRequired   = "recipient_id is required"
	ErrContentRequired     = "content is required"
	ErrTargetRequired      = "target_id is required"
	ErrConversationMissing = "conversation_id is required"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type ItemsResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewItemsResponse[T any](items []T) ItemsResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ItemsResponse[T]{Items: items, Count: len(items)}
}
