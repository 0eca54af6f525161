package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/denismitr/twinstore/internal/present"
)

// The wrappers below keep the JSON shape of the present views and add the
// one-screen text rendering twinctl prints by default.

type entityText present.Entity

func (v entityText) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", v.Kind, v.Key)
	if v.Source != "" {
		fmt.Fprintf(&b, " (from %s)", v.Source)
	}
	b.WriteString("\n")
	b.WriteString(fieldsText(v.Fields))
	return b.String()
}

type writeText present.Write

func (v writeText) String() string {
	subject := v.Path
	if v.Key != "" {
		subject = v.Key
	}

	status := "written"
	switch {
	case v.Diverged:
		status = "diverged"
	case !v.OK:
		status = "failed"
	}

	return fmt.Sprintf("%s %s: %s, %s", subject, status, backendText(v.Fast), backendText(v.Durable))
}

type bulkText present.Bulk

func (v bulkText) String() string {
	if v.OK {
		return fmt.Sprintf("%d entities written: %s", len(v.Durable), backendText(v.Fast))
	}

	return fmt.Sprintf("bulk write incomplete: %s, durable failed for %s",
		backendText(v.Fast), strings.Join(v.FailedKeys, ", "))
}

type updateText present.Update

func (v updateText) String() string {
	if len(v.Entities) == 0 {
		return fmt.Sprintf("[%s] empty", v.Source)
	}

	lines := make([]string, 0, len(v.Entities))
	for _, e := range v.Entities {
		b, _ := json.Marshal(e.Fields)
		lines = append(lines, fmt.Sprintf("[%s] %s %s %s", v.Source, e.Kind, e.Key, b))
	}
	return strings.Join(lines, "\n")
}

func backendText(b present.Backend) string {
	if b.OK {
		return fmt.Sprintf("%s ok", b.Backend)
	}
	return fmt.Sprintf("%s error (%s)", b.Backend, b.Error)
}

func fieldsText(fields map[string]interface{}) string {
	b, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return fmt.Sprint(fields)
	}
	return string(b)
}
