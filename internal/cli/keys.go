package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kingrea/lattice-ci/internal/signing"
)

func keygenCommand(ctx context.Context, streams Streams, args []string) error {
	var common commonFlags
	var force bool
	set := newFlagSet("keygen", "", streams.Err)
	common.register(set)
	set.BoolVar(&force, "force", false, "replace an existing key pair")
	if help, err := parseFlags(set, args); help || err != nil {
		return err
	}
	rt, err := bootstrap(common, streams.Err)
	if err != nil {
		return err
	}
	defer rt.close()

	dir := rt.cfg.KeyDir()
	pubPath := filepath.Join(dir, signing.PublicKeyFile)
	if _, err := os.Stat(pubPath); err == nil && !force {
		return usageError("key pair already exists in %s (use -force to replace it)", dir)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	pub, priv, err := signing.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	if err := signing.SaveKeyPair(dir, pub, priv); err != nil {
		return fmt.Errorf("save key pair: %w", err)
	}
	rt.logger.Info("signing key pair created", "key_dir", dir)
	fmt.Fprintln(streams.Out, pubPath)
	return nil
}

func verifyCommand(ctx context.Context, streams Streams, args []string) error {
	var common commonFlags
	var pubPath string
	set := newFlagSet("verify", "<file> [signature]", streams.Err)
	common.register(set)
	set.StringVar(&pubPath, "pub", "", "public key file (defaults to the project key)")
	if help, err := parseFlags(set, args); help || err != nil {
		return err
	}
	if set.NArg() < 1 || set.NArg() > 2 {
		set.Usage()
		return usageError("expected a file and an optional signature path")
	}
	file := set.Arg(0)
	sigPath := file + signing.SignatureExt
	if set.NArg() == 2 {
		sigPath = set.Arg(1)
	}
	if pubPath == "" {
		rt, err := bootstrap(common, streams.Err)
		if err != nil {
			return err
		}
		pubPath = filepath.Join(rt.cfg.KeyDir(), signing.PublicKeyFile)
		rt.close()
	}
	pub, err := signing.LoadPublicKey(pubPath)
	if err != nil {
		return fmt.Errorf("load public key: %w", err)
	}
	ok, err := signing.VerifyFile(pub, file, sigPath)
	if err != nil {
		return err
	}
	if !ok {
		return &ExitError{Code: ExitFailed, Message: fmt.Sprintf("%s: signature invalid", file)}
	}
	fmt.Fprintf(streams.Out, "%s: signature ok\n", file)
	return nil
}
