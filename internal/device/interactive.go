package device

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// InteractiveLoop reads raw wire frames line by line and pushes each one
// through send, printing the correlated response. An empty line or "exit"
// ends the loop. Frames go through the normal pending-request path, so
// responses and timeouts behave exactly as they do for scripted actions.
func InteractiveLoop(ctx context.Context, in io.Reader, out io.Writer, send func(ctx context.Context, frame string) (any, error)) {
	sc := bufio.NewScanner(in)
	fmt.Fprint(out, "raw> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line == "exit" {
			return
		}
		resp, err := send(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		} else {
			fmt.Fprintf(out, "response: %v\n", formatResponse(resp))
		}
		fmt.Fprint(out, "raw> ")
	}
}

func formatResponse(resp any) string {
	switch t := resp.(type) {
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
