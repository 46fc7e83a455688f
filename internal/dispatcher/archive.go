package dispatcher

import (
	"context"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	log "github.com/sirupsen/logrus"
)

// CopyFromContainer streams path out of the container as a tar archive.
// The stat describes path itself and is known before any byte is written.
func (d *Dispatcher) CopyFromContainer(ctx context.Context, hostID, containerID, path string, w io.Writer, onStat func(container.PathStat)) (int64, error) {
	if strings.TrimSpace(path) == "" {
		return 0, invalidArg("path is required")
	}
	cli, err := d.client(hostID)
	if err != nil {
		return 0, err
	}
	rc, stat, err := cli.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return 0, opError("copy from "+shortID(containerID)+":"+path, hostID, err)
	}
	defer rc.Close()
	if onStat != nil {
		onStat(stat)
	}

	n, err := io.Copy(w, rc)
	if err != nil {
		return n, opError("copy from "+shortID(containerID)+":"+path, hostID, err)
	}
	return n, nil
}

// CopyToContainer extracts a tar archive, plain or compressed, into the
// directory path inside the container.
func (d *Dispatcher) CopyToContainer(ctx context.Context, hostID, containerID, path string, archive io.Reader) error {
	if strings.TrimSpace(path) == "" {
		return invalidArg("path is required")
	}
	cli, err := d.client(hostID)
	if err != nil {
		return err
	}
	if err := cli.CopyToContainer(ctx, containerID, path, archive, container.CopyToContainerOptions{}); err != nil {
		return opError("copy to "+shortID(containerID)+":"+path, hostID, err)
	}
	log.Infof("[dispatch] %s: copied archive into %s:%s", hostID, shortID(containerID), path)
	return nil
}
