// Copyright 2024-2026 Aiku AI

package vendorapi

import "fmt"

// ExpectCode checks the vendor result code carried in a response body.
// Vendors answer HTTP 200 even for failures and put the outcome in a "code"
// field; anything other than want is a KindRejected error.
func ExpectCode(operation string, resp map[string]any, want int64) error {
	code, ok := AsInt(resp["code"])
	if ok && code == want {
		return nil
	}
	msg := AsString(resp["message"])
	if msg == "" {
		msg = AsString(resp["msg"])
	}
	err := &Error{Kind: KindRejected, Operation: operation, Message: msg}
	if !ok {
		err.Message = "response has no result code"
	} else if msg == "" {
		err.Message = fmt.Sprintf("result code %d", code)
	}
	RecordFailure(operation, KindRejected)
	return err
}

// Object returns m[key] as a JSON object, or nil.
func Object(m map[string]any, key string) map[string]any {
	obj, _ := m[key].(map[string]any)
	return obj
}

// Array returns m[key] as a JSON array, or nil.
func Array(m map[string]any, key string) []any {
	arr, _ := m[key].([]any)
	return arr
}
