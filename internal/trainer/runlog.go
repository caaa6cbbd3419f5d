package trainer

import (
	"fmt"
	"os"
	"strings"

	"github.com/janpfeifer/gateaffinity/internal/metrics"
	"github.com/pkg/errors"
)

// BeforeTrainPrefix starts the line of the evaluation done before training.
const BeforeTrainPrefix = "Before Train:"

// ImprovedMarker is appended to the line of an epoch whose validation MSE improved.
const ImprovedMarker = " Val MSE"

// EpochPrefix starts the line of an epoch.
func EpochPrefix(epoch int) string {
	return fmt.Sprintf("Epoch %05d: ", epoch)
}

// FormatLine formats the metrics of the training and validation datasets.
func FormatLine(prefix string, train, val metrics.Summary) string {
	return fmt.Sprintf("%s Train Data: W_MSE:%6.3f|  MSE:%6.3f|  R2:%6.3f|  -- Val Data: W_MSE:%6.3f|  MSE:%6.3f|  R2:%6.3f| ",
		prefix, train.WMSE, train.MSE, train.R2, val.WMSE, val.MSE, val.R2)
}

// RunLog is the text log of a run: a header followed by one line per epoch. It is only appended to, so it survives
// an interrupted run.
type RunLog struct {
	Path string
}

// CreateRunLog creates (or truncates) the run log at path, and writes the header.
func CreateRunLog(path string, header []string) (*RunLog, error) {
	contents := strings.Join(header, "\n") + "\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return nil, errors.Wrapf(err, "failed to create run log %q", path)
	}
	return &RunLog{Path: path}, nil
}

// Append a line to the log.
func (l *RunLog) Append(line string) error {
	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open run log %q", l.Path)
	}
	if _, err = fmt.Fprintf(f, "%s \n", line); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write to run log %q", l.Path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close run log %q", l.Path)
	}
	return nil
}
