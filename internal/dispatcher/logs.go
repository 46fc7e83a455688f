package dispatcher

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

const DefaultLogTail = 200

type LogOutput struct {
	ContainerID string   `json:"containerId"`
	Lines       []string `json:"lines"`
}

// ContainerLogs returns the last tail lines of stdout and stderr with
// timestamps. Non-TTY output arrives multiplexed and is split with
// stdcopy; the two streams are concatenated stdout first.
func (d *Dispatcher) ContainerLogs(ctx context.Context, hostID, containerID string, tail int) (*LogOutput, error) {
	cli, err := d.client(hostID)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		tail = DefaultLogTail
	}
	insp, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, opError("logs "+shortID(containerID), hostID, err)
	}
	tty := insp.Config != nil && insp.Config.Tty

	rc, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return nil, opError("logs "+shortID(containerID), hostID, err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if tty {
		_, err = io.Copy(&stdout, rc)
	} else {
		_, err = stdcopy.StdCopy(&stdout, &stderr, rc)
	}
	if err != nil {
		return nil, opError("logs "+shortID(containerID), hostID, err)
	}

	out := &LogOutput{ContainerID: containerID, Lines: []string{}}
	out.Lines = append(out.Lines, splitLines(stdout.String())...)
	out.Lines = append(out.Lines, splitLines(stderr.String())...)
	return out, nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// ExportContainer streams the container filesystem as a tarball to w.
func (d *Dispatcher) ExportContainer(ctx context.Context, hostID, containerID string, w io.Writer) (int64, error) {
	cli, err := d.client(hostID)
	if err != nil {
		return 0, err
	}
	rc, err := cli.ContainerExport(ctx, containerID)
	if err != nil {
		return 0, opError("export "+shortID(containerID), hostID, err)
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return n, opError("export "+shortID(containerID), hostID, err)
	}
	return n, nil
}
