package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-units"
	log "github.com/sirupsen/logrus"

	"github.com/KingCide/Mariner/internal/dockerhost"
	"github.com/KingCide/Mariner/internal/logutil"
)

type ImageSummary struct {
	ID          string   `json:"id"`
	Repository  string   `json:"repository"`
	Tag         string   `json:"tag"`
	RepoTags    []string `json:"repoTags"`
	RepoDigests []string `json:"repoDigests,omitempty"`
	Created     string   `json:"created"`
	Size        int64    `json:"size"`
	SizeHuman   string   `json:"sizeHuman"`
	Containers  int64    `json:"containers"`
}

type PullResult struct {
	Ref    string `json:"ref"`
	Status string `json:"status"`
	Digest string `json:"digest,omitempty"`
}

// ListImages returns every image on the host, newest first.
func (d *Dispatcher) ListImages(ctx context.Context, hostID string) ([]ImageSummary, error) {
	cli, err := d.client(hostID)
	if err != nil {
		return nil, err
	}
	images, err := cli.ImageList(ctx, image.ListOptions{All: false})
	if err != nil {
		return nil, opError("list images", hostID, err)
	}
	sort.SliceStable(images, func(i, j int) bool { return images[i].Created > images[j].Created })

	out := make([]ImageSummary, 0, len(images))
	for _, img := range images {
		repo, tag := "<none>", "<none>"
		if len(img.RepoTags) > 0 && img.RepoTags[0] != "<none>:<none>" {
			repo, tag = splitRef(img.RepoTags[0])
		}
		out = append(out, ImageSummary{
			ID:          img.ID,
			Repository:  repo,
			Tag:         tag,
			RepoTags:    img.RepoTags,
			RepoDigests: img.RepoDigests,
			Created:     time.Unix(img.Created, 0).UTC().Format(time.RFC3339),
			Size:        img.Size,
			SizeHuman:   units.HumanSize(float64(img.Size)),
			Containers:  img.Containers,
		})
	}
	return out, nil
}

// splitRef splits "registry:5000/app:1.2" at the last colon that follows
// the last slash.
func splitRef(ref string) (repo, tag string) {
	slash := strings.LastIndex(ref, "/")
	if i := strings.LastIndex(ref, ":"); i > slash {
		return ref[:i], ref[i+1:]
	}
	return ref, "latest"
}

// PullImage pulls ref and waits for the progress stream to finish. The
// engine reports most pull failures inside the stream with a 200 status,
// so the stream is scanned for error messages.
func (d *Dispatcher) PullImage(ctx context.Context, hostID, ref string) (*PullResult, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("%w: image reference is empty", dockerhost.ErrOperation)
	}
	cli, err := d.client(hostID)
	if err != nil {
		return nil, err
	}
	rc, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return nil, opError("pull "+ref, hostID, err)
	}
	defer rc.Close()

	res := &PullResult{Ref: ref}
	dec := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, opError("pull "+ref, hostID, fmt.Errorf("read progress: %w", err))
		}
		if msg.Error != nil {
			return nil, opError("pull "+ref, hostID, msg.Error)
		}
		if msg.ErrorMessage != "" {
			return nil, opError("pull "+ref, hostID, errors.New(msg.ErrorMessage))
		}
		if msg.Status != "" {
			res.Status = msg.Status
			if digest, ok := strings.CutPrefix(msg.Status, "Digest: "); ok {
				res.Digest = digest
			}
		}
	}
	log.Infof("[dispatch] %s: pulled %s", hostID, logutil.SanitizeForLog(ref))
	return res, nil
}

// ExportImage streams the image tarball to w and returns the bytes written.
func (d *Dispatcher) ExportImage(ctx context.Context, hostID, imageID string, w io.Writer) (int64, error) {
	cli, err := d.client(hostID)
	if err != nil {
		return 0, err
	}
	rc, err := cli.ImageSave(ctx, []string{imageID})
	if err != nil {
		return 0, opError("save image "+shortID(imageID), hostID, err)
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return n, opError("save image "+shortID(imageID), hostID, err)
	}
	return n, nil
}

// DeleteImage removes an image. force also untags it from every
// repository and removes it while stopped containers still use it.
func (d *Dispatcher) DeleteImage(ctx context.Context, hostID, imageID string, force bool) error {
	cli, err := d.client(hostID)
	if err != nil {
		return err
	}
	if _, err := cli.ImageRemove(ctx, imageID, image.RemoveOptions{Force: force, PruneChildren: true}); err != nil {
		return opError("remove image "+shortID(imageID), hostID, err)
	}
	log.Infof("[dispatch] %s: removed image %s", hostID, logutil.SanitizeForLog(shortID(imageID)))
	return nil
}
