package switchctl

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// frame is one AMI message: CRLF-separated "Key: Value" lines ending with a
// blank line.
type frame map[string]string

func readFrame(r *bufio.Reader) (frame, error) {
	f := make(frame)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(f) == 0 {
				continue
			}
			return f, nil
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		f[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

func writeFrame(w io.Writer, f frame) error {
	var b strings.Builder
	if action, ok := f["Action"]; ok {
		fmt.Fprintf(&b, "Action: %s\r\n", action)
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		if k == "Action" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, f[k])
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func encodeVariables(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, vars[k]))
	}
	return strings.Join(pairs, ",")
}
