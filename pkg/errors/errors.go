// Package errors provides the structured error type shared by every TAuth
// component. Each error carries a machine-readable code whose category
// determines the HTTP status, and a kind name that is surfaced to callers in
// the {loc, msg, type} response body.
//
// # Error Categories
//
//   - VAL: request input failed validation (400)
//   - AUTH: a credential could not be verified or resolved (401)
//   - AUTHZ: the caller is authenticated but not allowed (403)
//   - NF: a document, policy or key does not exist (404)
//   - CONF: a uniqueness constraint was violated (409)
//   - INT: an unexpected failure, including policy engine faults (500)
//   - UNAVAIL: a dependency is down (503)
//   - TIMEOUT: a dependency did not answer in time (504)
//
// # Usage
//
//	err := errors.New(errors.CodeMalformedCredential, "token is not in the correct format")
//	err = err.WithLoc("header", "Authorization")
//
//	if errors.IsNotFound(err) {
//	    // 404
//	}
//
// HTTP handlers render errors with WriteHTTP, which writes the mapped status
// and a JSON body of the form {"detail": {"loc": [...], "msg": "...", "type": "..."}}.
package errors
