package wampy

// CallResult is what a MethodHandler hands back to the router: YIELD
// arguments, or an error URI that turns the reply into an ERROR.
type CallResult struct {
	Args   []interface{}
	Kwargs map[string]interface{}
	Err    URI
}

// ValueResult yields a single positional value.
func ValueResult(value interface{}) *CallResult {
	return &CallResult{Args: []interface{}{value}}
}

// SliceResult yields the given positional values.
func SliceResult(slice []interface{}) *CallResult {
	return &CallResult{Args: slice}
}

// MapResult yields keyword results only.
func MapResult(mapValue map[string]interface{}) *CallResult {
	return &CallResult{Kwargs: mapValue}
}

func SimpleErrorResult(err URI) *CallResult {
	return &CallResult{Err: err}
}

func ErrorResult(err URI, args []interface{}, kwargs map[string]interface{}) *CallResult {
	return &CallResult{
		Args:   args,
		Kwargs: kwargs,
		Err:    err,
	}
}
