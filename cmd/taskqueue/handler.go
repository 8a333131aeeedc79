package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mhpenta/taskqueue"
)

// maxOutput bounds how much handler output is kept as failure message.
const maxOutput = 2048

const waitDelay = time.Second

// parseHandlerSpec splits "jobType=command".
func parseHandlerSpec(spec string) (jobType, command string, err error) {
	jobType, command, ok := strings.Cut(spec, "=")
	jobType = strings.TrimSpace(jobType)
	command = strings.TrimSpace(command)
	if !ok || command == "" {
		return "", "", fmt.Errorf("handler %q: want TYPE=COMMAND", spec)
	}
	if err := taskqueue.ValidateJobType(jobType); err != nil {
		return "", "", fmt.Errorf("handler %q: %w", spec, err)
	}
	return jobType, command, nil
}

// shellHandler runs command through sh with the job data on stdin and the
// job's metadata in TASKQUEUE_JOB_* variables.
func shellHandler(command string) func(ctx context.Context, job *taskqueue.Job) error {
	return func(ctx context.Context, job *taskqueue.Job) error {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdin = bytes.NewReader(job.Data)
		// children of sh may hold the output pipe open after sh is killed
		cmd.WaitDelay = waitDelay
		cmd.Env = append(os.Environ(),
			"TASKQUEUE_JOB_ID="+strconv.FormatInt(job.ID, 10),
			"TASKQUEUE_JOB_TYPE="+job.JobType,
			"TASKQUEUE_JOB_GROUP="+job.Group,
			"TASKQUEUE_JOB_REFERENCE="+job.Reference,
			"TASKQUEUE_JOB_FAILED="+strconv.Itoa(job.Failed),
		)

		out, err := cmd.CombinedOutput()
		if err != nil {
			if len(out) > maxOutput {
				out = out[len(out)-maxOutput:]
			}
			return fmt.Errorf("%w: %s", err, bytes.TrimSpace(out))
		}
		return nil
	}
}
