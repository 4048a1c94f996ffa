package engine

import (
	"strings"
	"time"

	"github.com/sourceplane/benchctl/internal/model"
)

// traceDestination names the local file a trace download lands in: the
// job's traceOutput option or the job name, suffixed with a timestamp and
// the platform extension unless the destination already carries it.
func traceDestination(job *model.JobTemplate, jobName, osName string, now time.Time) string {
	dest := job.Options.TraceOutput
	if dest == "" {
		dest = jobName
	}
	ext := traceExtension(job, osName)
	if strings.HasSuffix(dest, ext) {
		return dest
	}
	return dest + "." + now.Format("01-02-15-04-05") + ext
}

// traceExtension picks the extension: .etl.zip for collected traces on
// Windows, .trace.zip for collected traces elsewhere, .nettrace otherwise.
func traceExtension(job *model.JobTemplate, osName string) string {
	if job.Collect {
		if strings.EqualFold(osName, "windows") {
			return ".etl.zip"
		}
		return ".trace.zip"
	}
	return ".nettrace"
}
