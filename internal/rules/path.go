package rules

import "strings"

// SplitPath splits a request path into its (service, route) pair. The first
// path segment names the service, the remainder is the route. A blank or
// root path yields two empty strings.
func SplitPath(path string) (service, route string) {
	p := strings.TrimPrefix(strings.TrimSpace(path), "/")
	if p == "" {
		return "", ""
	}
	service, route, _ = strings.Cut(p, "/")
	return service, route
}
