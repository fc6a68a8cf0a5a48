package distributor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/devkiln/kiln/pkg/engine"
)

// LoadKeyring reads an OpenPGP keyring, armored or binary.
func LoadKeyring(path string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError("failed to read keyring", err).
			WithCode(engine.ErrCodeMissingFile).
			WithDetail("file", path)
	}

	keys, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		keys, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	}
	if err != nil {
		return nil, engine.NewConfigError("failed to parse keyring", err).
			WithCode(engine.ErrCodeMalformedManifest).
			WithDetail("file", path)
	}
	return keys, nil
}

// verifySignature checks the detached signature of m against the file at
// path. The signature may be armored or binary.
func (d *Distributor) verifySignature(ctx context.Context, m engine.ExtensionManifest, path string) error {
	if len(d.keyring) == 0 {
		return signatureError(m, errors.New("no trusted keys configured"))
	}

	var sig []byte
	err := d.retry(ctx, m.Name, m.Source.Signature, func() error {
		body, err := d.open(ctx, m.Name, m.Source.Signature)
		if err != nil {
			return err
		}
		defer body.Close()
		sig, err = io.ReadAll(io.LimitReader(body, maxSignatureSize))
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(m.Name, ctx.Err())
			}
			return engine.NewTransientError(fmt.Sprintf("failed to read signature for %s", m.Name), err).
				WithCode(engine.ErrCodeNetwork).
				WithResource(m.Name)
		}
		return nil
	})
	if err != nil {
		return err
	}

	check := func(fn func(openpgp.KeyRing, io.Reader, io.Reader) error) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return fn(d.keyring, f, bytes.NewReader(sig))
	}

	err = check(func(kr openpgp.KeyRing, signed, s io.Reader) error {
		_, err := openpgp.CheckArmoredDetachedSignature(kr, signed, s, nil)
		return err
	})
	if err != nil {
		err = check(func(kr openpgp.KeyRing, signed, s io.Reader) error {
			_, err := openpgp.CheckDetachedSignature(kr, signed, s, nil)
			return err
		})
	}
	if err != nil {
		return signatureError(m, err)
	}

	d.logger.WithExtension(m.Name, m.Version).Debug("artifact signature verified")
	return nil
}

func signatureError(m engine.ExtensionManifest, err error) error {
	return engine.NewSecurityError(fmt.Sprintf("signature verification failed for %s@%s", m.Name, m.Version), err).
		WithCode(engine.ErrCodeSignatureInvalid).
		WithResource(m.Name).
		WithDetail("signature", m.Source.Signature)
}
