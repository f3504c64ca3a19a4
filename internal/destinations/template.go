package destinations

import (
	"strings"
	"time"
)

// renderTemplate interpolates the supported placeholders into path and URL
// templates: {job_uuid}, {task_name}, {timestamp}, {env}. Unknown
// placeholders are left as-is.
func renderTemplate(tmpl string, dctx DeliveryContext) string {
	ts := dctx.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	r := strings.NewReplacer(
		"{job_uuid}", dctx.JobUUID,
		"{task_name}", dctx.TaskName,
		"{timestamp}", ts.UTC().Format("20060102T150405Z"),
		"{env}", dctx.Env,
	)
	return r.Replace(tmpl)
}
