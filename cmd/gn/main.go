// Command gn is a command line client for the note server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/browser"
	"github.com/and161185/gophnotes/internal/logging"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/replay"
	"github.com/and161185/gophnotes/internal/request"
	"github.com/and161185/gophnotes/internal/session"
)

const closeTimeout = 2 * time.Second

// ---- config/token store ----

type tokenFile struct {
	Server      string    `json:"server"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "gophnotes")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "gophnotes")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(server, tok string, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{Server: server, AccessToken: tok, ExpiresAt: exp})
}

// loadToken returns the saved token for server.
func loadToken(server string) (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	if tf.Server != "" && tf.Server != server {
		return "", fmt.Errorf("token was issued by %s (login required)", tf.Server)
	}
	return tf.AccessToken, nil
}

// ---- http ----

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type registerResponse struct {
	ID string `json:"id"`
}

func postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s: %s", url, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func usage() {
	fmt.Fprintf(os.Stderr, `gn CLI
Usage:
  gn [-server URL] [-v] <cmd> [args]

Commands:
  version
  register   -u <username> -p <password>
  login      -u <username> -p <password>           (saves token)
  ls         [path]
  mkdir      <path>
  touch      [-content text] [-subscribe] <path>
  rm         <path>
  cat        <path>
  join       -name <user> <path>
  replay     <path> <record.xml>
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	server := flag.String("server", "http://localhost:6523", "server base URL")
	verbose := flag.Bool("v", false, "debug logging")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, err := logging.New(level, "console")
	if err != nil {
		fail(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch cmd {
	case "version":
		fmt.Printf("gn %s (%s)\n", version, buildDate)
	case "register", "login":
		err = cmdAccount(ctx, cmd, *server, args)
	case "ls", "mkdir", "touch", "rm", "cat", "join", "replay":
		err = withRemote(ctx, log, *server, func(r *remote) error {
			return dispatch(ctx, r, cmd, args)
		})
	default:
		usage()
	}
	if err != nil {
		fail(err)
	}
}

func cmdAccount(ctx context.Context, cmd, server string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	u := fs.String("u", "", "username")
	p := fs.String("p", "", "password")
	_ = fs.Parse(args)
	if *u == "" || *p == "" {
		return errors.New("need -u and -p")
	}
	base := strings.TrimRight(server, "/")
	creds := credentials{Username: *u, Password: *p}

	if cmd == "register" {
		var out registerResponse
		if err := postJSON(ctx, base+"/register", creds, &out); err != nil {
			return err
		}
		fmt.Println(out.ID)
		return nil
	}

	var out loginResponse
	if err := postJSON(ctx, base+"/login", creds, &out); err != nil {
		return err
	}
	if err := saveToken(server, out.AccessToken, out.ExpiresAt); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func withRemote(ctx context.Context, log *zap.Logger, server string, fn func(*remote) error) error {
	token, err := loadToken(server)
	if err != nil {
		return err
	}
	r, err := connect(ctx, log, server, token)
	if err != nil {
		return err
	}
	defer r.close()
	return fn(r)
}

func dispatch(ctx context.Context, r *remote, cmd string, args []string) error {
	switch cmd {
	case "ls":
		path := "/"
		if len(args) > 0 {
			path = args[0]
		}
		entries, err := r.list(ctx, path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Type == protocol.SubdirectoryType {
				fmt.Println(e.Name + "/")
				continue
			}
			fmt.Printf("%s\t%s\n", e.Name, e.Type)
		}
		return nil

	case "mkdir":
		if len(args) != 1 {
			return errors.New("usage: mkdir <path>")
		}
		parent, name, err := r.resolveParent(ctx, args[0])
		if err != nil {
			return err
		}
		_, err = r.do(ctx, func() *request.Request { return r.b.AddSubdirectory(parent, name) })
		return err

	case "touch":
		return cmdTouch(ctx, r, args)

	case "rm":
		if len(args) != 1 {
			return errors.New("usage: rm <path>")
		}
		it, err := r.resolve(ctx, args[0])
		if err != nil {
			return err
		}
		_, err = r.do(ctx, func() *request.Request { return r.b.RemoveNode(it) })
		return err

	case "cat":
		if len(args) != 1 {
			return errors.New("usage: cat <path>")
		}
		sp, err := r.subscribe(ctx, args[0])
		if err != nil {
			return err
		}
		var out string
		err = r.on(ctx, func() {
			if t, ok := sp.Session().Content().(*session.Text); ok {
				out = t.String()
			}
		})
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil

	case "join":
		return cmdJoin(ctx, r, args)

	case "replay":
		if len(args) != 2 {
			return errors.New("usage: replay <path> <record.xml>")
		}
		return cmdReplay(ctx, r, args[0], args[1])
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func cmdTouch(ctx context.Context, r *remote, args []string) error {
	fs := flag.NewFlagSet("touch", flag.ExitOnError)
	content := fs.String("content", "", "initial text")
	subscribe := fs.Bool("subscribe", false, "subscribe to the new note")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: touch [-content text] [-subscribe] <path>")
	}
	parent, name, err := r.resolveParent(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	opts := browser.NoteOptions{Subscribe: *subscribe}
	if *content != "" {
		opts.Session = session.New(r.log, session.TextType, session.NewText(*content))
	}
	_, err = r.do(ctx, func() *request.Request { return r.b.AddNote(parent, name, session.TextType, opts) })
	return err
}

func cmdJoin(ctx context.Context, r *remote, args []string) error {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	name := fs.String("name", "", "user name")
	_ = fs.Parse(args)
	if *name == "" || fs.NArg() != 1 {
		return errors.New("usage: join -name <user> <path>")
	}
	sp, err := r.subscribe(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	id, err := sessionTarget{r: r, sp: sp}.Join(ctx, *name)
	if err != nil {
		return err
	}
	fmt.Printf("id=%d name=%s\n", id, *name)
	return nil
}

func cmdReplay(ctx context.Context, r *remote, path, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	rec, err := replay.Parse(f)
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	sp, err := r.subscribe(ctx, path)
	if err != nil {
		return err
	}
	if t := sp.Session().Type(); t != rec.Type {
		return fmt.Errorf("record of type %q does not fit note of type %q", rec.Type, t)
	}
	st, err := rec.Play(ctx, sessionTarget{r: r, sp: sp})
	fmt.Printf("joins=%d requests=%d leaves=%d\n", st.Joins, st.Requests, st.Leaves)
	return err
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
