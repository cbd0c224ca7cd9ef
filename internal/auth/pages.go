package auth

import "fmt"

// Static HTML bodies served to the browser on the callback port. There is no
// further application protocol on this listener.
const (
	successPage = `<!DOCTYPE html>
<html>
<head><title>Login complete</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
<h1>Authentication successful</h1>
<p>You are signed in. You can close this window and return to the terminal.</p>
</body>
</html>`

	errorPage = `<!DOCTYPE html>
<html>
<head><title>Login failed</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
<h1>Authentication failed</h1>
<p>Close this window and check the terminal for details.</p>
</body>
</html>`

	waitingPage = `<!DOCTYPE html>
<html>
<head><title>Waiting for login</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
<p>Waiting for the authorization redirect&hellip;</p>
</body>
</html>`
)

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	404: "Not Found",
}

// httpResponse renders a minimal HTTP/1.1 response for the raw connection.
// Connection: close tells the browser not to reuse the socket; the listener
// serves at most one meaningful request per connection.
func httpResponse(status int, body string) []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, statusText[status], len(body), body,
	))
}
