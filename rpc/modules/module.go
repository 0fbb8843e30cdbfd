package modules

const (
	codeInvalidParams = -32602
	codeServerError   = -32000
)

// ModuleError carries the HTTP status and JSON-RPC code a module-level
// failure should surface with.
type ModuleError struct {
	HTTPStatus int
	Code       int
	Message    string
	Data       interface{}
}

func (e *ModuleError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}
