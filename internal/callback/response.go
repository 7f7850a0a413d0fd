package callback

import (
	"fmt"
)

// SuccessPage is the confirmation page shown in the browser after the redirect.
const SuccessPage = `<html><body><h1>Authenticated!</h1><p>You can close this window now.</p><script>window.close()</script></body></html>`

// successResponse is the full HTTP response written to the browser.
var successResponse = buildResponse(SuccessPage)

func buildResponse(body string) []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body),
		body,
	))
}
