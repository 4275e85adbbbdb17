// Command rt is a CLI client for the retoucher service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
)

// ---- config/token store ----

type tokenFile struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "retoucher")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "retoucher")
}

func tokenPath() string { return filepath.Join(cfgDir(), "session.json") }

func saveToken(tf tokenFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tf)
}

func loadToken() (tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tokenFile{}, errors.New("no session (run: rt session)")
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	if tf.Token == "" || time.Now().After(tf.ExpiresAt) {
		return tokenFile{}, errors.New("session expired (run: rt session)")
	}
	return tf, nil
}

func dropToken() error {
	err := os.Remove(tokenPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Minute)
}

func usage() {
	fmt.Fprintf(os.Stderr, `rt CLI
Usage:
  rt [--addr HOST:PORT] <cmd> [args]

Commands:
  version
  session                                   (starts a session, saves token)
  upload    <file>...
  ls
  show      --id <image>
  get       --id <image> [--what original|current|thumbnail|render] [-o file]
  meta      --id <image>
  set-meta  --id <image> --set exif.artist=Ann [--unset gps.latitude]
  edit      --id <image> --prompt <text> [--model m] [--mask file]
  history   --id <image>
  undo      --id <image>
  redo      --id <image>
  revert    --id <image> --to <index>          (-1 = original)
  export    --id <image> [--version v] [--format heic|jpg] [-o dir]
  export-all [--format heic|jpg] [-o dir]
  rm        --id <image>
  cleanup                                   (deletes the session)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands.
func main() {
	// global flags
	addr := pflag.String("addr", envOr("RT_ADDR", "localhost:8080"), "server address")
	pflag.Usage = usage
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	if pflag.NArg() < 1 {
		usage()
	}
	cmd, args := pflag.Arg(0), pflag.Args()[1:]

	if cmd == "version" {
		fmt.Printf("rt %s (%s)\n", version, buildDate)
		return
	}
	if cmd == "session" {
		cmdSession(*addr)
		return
	}

	tf, err := loadToken()
	if err != nil {
		fail(err)
	}
	cli := newClient(*addr, tf.Token)

	switch cmd {
	case "upload":
		cmdUpload(cli, args)
	case "ls":
		cmdList(cli)
	case "show":
		cmdShow(cli, args)
	case "get":
		cmdGet(cli, args)
	case "meta":
		cmdMeta(cli, args)
	case "set-meta":
		cmdSetMeta(cli, args)
	case "edit":
		cmdEdit(cli, args)
	case "history":
		cmdHistory(cli, args, "")
	case "undo", "redo":
		cmdHistory(cli, args, cmd)
	case "revert":
		cmdRevert(cli, args)
	case "export":
		cmdExport(cli, args)
	case "export-all":
		cmdExportAll(cli, args)
	case "rm":
		cmdRemove(cli, args)
	case "cleanup":
		cmdCleanup(cli)
	default:
		usage()
	}
}

// ---- helpers ----

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fail(err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		fmt.Fprintf(os.Stderr, "api error: status=%d kind=%s msg=%s\n", ae.Status, ae.Kind, ae.Msg)
		if isUnauthorized(err) {
			fmt.Fprintln(os.Stderr, "hint: the session may have expired, run: rt session")
		}
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
