package ssh

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/pkg/sftp"

	"github.com/devkiln/kiln/pkg/engine"
)

// sftpClient returns the shared SFTP client, opening it on first use.
func (t *Target) sftpClient(ctx context.Context) (*sftp.Client, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sftp != nil {
		return t.sftp, nil
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, engine.NewTransientError("failed to start sftp subsystem", err).
			WithCode(engine.ErrCodeNetwork).
			WithResource(t.name)
	}
	t.sftp = sc
	return sc, nil
}

// Upload writes content to path on the target. Relative paths are anchored
// at the configured work directory. The file is written under a temporary
// name and renamed into place.
func (t *Target) Upload(ctx context.Context, content []byte, remote string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return engine.NewCancelledError("upload cancelled", err).WithResource(remote)
	}
	if !path.IsAbs(remote) && t.config.WorkDir != "" {
		remote = path.Join(t.config.WorkDir, remote)
	}

	sc, err := t.sftpClient(ctx)
	if err != nil {
		return err
	}

	if err := sc.MkdirAll(path.Dir(remote)); err != nil {
		return t.uploadError(remote, err)
	}

	tmp := path.Join(path.Dir(remote), fmt.Sprintf(".%s.kiln-upload", path.Base(remote)))
	f, err := sc.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return t.uploadError(remote, err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = sc.Remove(tmp)
		return t.uploadError(remote, err)
	}
	if err := f.Close(); err != nil {
		_ = sc.Remove(tmp)
		return t.uploadError(remote, err)
	}
	if err := sc.Chmod(tmp, mode); err != nil {
		_ = sc.Remove(tmp)
		return t.uploadError(remote, err)
	}
	if err := sc.PosixRename(tmp, remote); err != nil {
		_ = sc.Remove(tmp)
		return t.uploadError(remote, err)
	}

	t.logger.Zerolog().Debug().Str("path", remote).Int("bytes", len(content)).Msg("file uploaded")
	return nil
}

func (t *Target) uploadError(remote string, err error) error {
	return engine.NewExecutionError(fmt.Sprintf("failed to upload %s", remote), err).
		WithCode(engine.ErrCodeExecutionFailed).
		WithResource(t.name).
		WithOperation("upload")
}
