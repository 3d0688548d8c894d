package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"
)

// PullImage pulls an image and waits for the pull to complete
func (r *DockerRuntime) PullImage(ctx context.Context, imageRef string) error {
	r.logger.Info("Pulling image", zap.String("image", imageRef))

	reader, err := r.client.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained. Registry
	// failures arrive as error messages inside the stream.
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}

	r.logger.Info("Image pulled successfully", zap.String("image", imageRef))

	return nil
}

// ImageExists checks if an image is present locally
func (r *DockerRuntime) ImageExists(ctx context.Context, imageRef string) (bool, error) {
	if _, err := r.client.ImageInspect(ctx, imageRef); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", imageRef, err)
	}
	return true, nil
}

// EnsureImage pulls the image unless it is already present
func (r *DockerRuntime) EnsureImage(ctx context.Context, imageRef string) error {
	exists, err := r.ImageExists(ctx, imageRef)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	r.logger.Info("Image not found, pulling...", zap.String("image", imageRef))
	return r.PullImage(ctx, imageRef)
}
