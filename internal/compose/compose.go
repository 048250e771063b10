// Package compose builds the full response byte sequence for a recognized
// (method, path) pair. It is the response-composer collaborator named by
// the I/O core: a pure function from (method, path, date) to bytes written
// into a caller-supplied scratch buffer.
package compose

import "strconv"

const serverHeader = "Server: Tachyon\r\n"
const keepAlive = "Connection: keep-alive\r\nKeep-Alive: timeout=5, max=1000\r\n"

var (
	plaintextBody = []byte("Hello, World!")
	jsonBody      = []byte(`{"message":"Hello, World!"}`)
	notFoundBody  = []byte("Not, found!")
)

// Compose writes a full HTTP response for the given method and path into
// scratch and returns the number of bytes written. date must be a
// pre-formatted RFC 1123 date line content (no trailing CRLF).
func Compose(method, path string, date string, scratch []byte) int {
	switch {
	case isGet(method) && pathIs(path, "/plaintext"):
		return writeResponse(scratch, "200 OK", "text/plain; charset=utf-8", date, plaintextBody)
	case isGet(method) && pathIs(path, "/json"):
		return writeResponse(scratch, "200 OK", "application/json; charset=utf-8", date, jsonBody)
	default:
		return writeResponse(scratch, "404 Not Found", "text/plain; charset=utf-8", date, notFoundBody)
	}
}

func isGet(method string) bool {
	return method == "GET" || method == "get"
}

// pathIs compares path against want, ignoring a trailing query string.
func pathIs(path, want string) bool {
	if i := indexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path == want
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func writeResponse(scratch []byte, status, contentType, date string, body []byte) int {
	n := 0
	n += copy(scratch[n:], "HTTP/1.1 ")
	n += copy(scratch[n:], status)
	n += copy(scratch[n:], "\r\nContent-Type: ")
	n += copy(scratch[n:], contentType)
	n += copy(scratch[n:], "\r\nDate: ")
	n += copy(scratch[n:], date)
	n += copy(scratch[n:], "\r\nContent-Length: ")
	n += copy(scratch[n:], strconv.Itoa(len(body)))
	n += copy(scratch[n:], "\r\n")
	n += copy(scratch[n:], serverHeader)
	n += copy(scratch[n:], keepAlive)
	n += copy(scratch[n:], "\r\n")
	n += copy(scratch[n:], body)
	return n
}
