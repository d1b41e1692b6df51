package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"calalert/internal/model"
)

const notifySendProcessName = "notify-send"

// Command shows alerts by running notify-send.
type Command struct {
	path   string
	expire time.Duration
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewCommand runs path, or notify-send from PATH when path is empty.
func NewCommand(path string, expire time.Duration) *Command {
	if path == "" {
		path = notifySendProcessName
	}
	return &Command{path: path, expire: expire, run: execCombinedOutput}
}

func (c *Command) Show(ctx context.Context, title, body, icon string) error {
	args := []string{
		"--app-name=" + AppName,
		"--expire-time=" + strconv.Itoa(int(expireMillis(c.expire))),
	}
	if icon != "" {
		args = append(args, "--icon="+icon)
	}
	// "--" keeps a title starting with a dash from being read as a flag.
	args = append(args, "--", title, body)

	out, err := c.run(ctx, c.path, args...)
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return &model.NotifyError{Notifier: KindNotifySend, Err: err}
	}
	return nil
}

func execCombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
