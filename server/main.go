package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/websheets/collab/collab"
)

const Version = "0.1.0"

const DefaultDbPath = "data/collab.db"

func main() {
	usage := `Collaborative sheet sync server.

Usage:
    collab-server serve [--port=<port>] [--db=<db>] [--jwt_secret=<jwt_secret>]
        [--debounce_ms=<debounce_ms>] [--verbose]
    collab-server token --user_id=<user_id> --user_name=<user_name> [--role=<role>]
        [--timeout_s=<timeout_s>] [--jwt_secret=<jwt_secret>]
    collab-server create_user --user_name=<user_name> [--role=<role>] [--db=<db>]
    collab-server create_sheet --owner_id=<owner_id> [--name=<name>] [--db=<db>]
    collab-server grant --sheet_id=<sheet_id> --user_id=<user_id> --permission=<permission>
        [--db=<db>]

Options:
    -h --help                 Show this screen.
    --version                 Show version.
    -p --port=<port>          Listen port [default: 8080].
    --db=<db>                 SQLite database path.
    --jwt_secret=<jwt_secret> Channel token secret. Read from COLLAB_JWT_SECRET
                              or prompted when not set.
    --debounce_ms=<debounce_ms>  Persistence debounce window in milliseconds [default: 1000].
    --verbose                 Verbose trace logging.
    --user_id=<user_id>
    --user_name=<user_name>
    --role=<role>             User role [default: editor].
    --timeout_s=<timeout_s>   Token lifetime in seconds [default: 86400].
    --owner_id=<owner_id>
    --name=<name>             Sheet display name [default: Untitled].
    --sheet_id=<sheet_id>
    --permission=<permission> owner, edit or view.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	initGlog()

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if createUser_, _ := opts.Bool("create_user"); createUser_ {
		createUser(opts)
	} else if createSheet_, _ := opts.Bool("create_sheet"); createSheet_ {
		createSheet(opts)
	} else if grant_, _ := opts.Bool("grant"); grant_ {
		grant(opts)
	}
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.CommandLine.Parse([]string{})
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	debounceMillis, _ := opts.Int("--debounce_ms")
	if verbose_, _ := opts.Bool("--verbose"); verbose_ {
		collab.GlobalLogLevel = collab.LogLevelDebug
		flag.Set("v", "2")
	}
	secret := jwtSecret(opts)

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	store := openStore(opts)
	defer store.Close()

	registry := collab.NewDocumentRegistry(cancelCtx, store)
	defer registry.Close()

	scheduler := collab.NewPersistenceScheduler(
		cancelCtx,
		registry,
		store,
		&collab.PersistenceSchedulerSettings{
			DebounceTimeout: time.Duration(debounceMillis) * time.Millisecond,
		},
	)
	defer scheduler.Close()

	gate := collab.NewPermissionGate(store)
	handler := collab.NewSyncHandler(cancelCtx, registry, gate, scheduler)
	defer handler.Close()

	wsServer := collab.NewWsServerWithDefaults(cancelCtx, handler, collab.NewChannelAuth(secret))
	defer wsServer.Close()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: wsServer.Router(),
	}
	go func() {
		<-cancelCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	glog.Infof("collab sync server listening on :%d\n", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("listen error = %s\n", err)
		os.Exit(1)
	}

	// one final flush so durable storage reflects the live state at exit
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := scheduler.FlushAll(flushCtx); err != nil {
		glog.Errorf("final flush error = %s\n", err)
	}
}

func token(opts docopt.Opts) {
	userIdStr, _ := opts.String("--user_id")
	userId, err := collab.ParseId(userIdStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid user id: %s\n", err)
		os.Exit(1)
	}
	userName, _ := opts.String("--user_name")
	role, _ := opts.String("--role")
	timeoutSeconds, _ := opts.Int("--timeout_s")

	auth := collab.NewChannelAuth(jwtSecret(opts))
	signed, err := auth.Mint(
		&collab.ChannelIdentity{
			UserId:      userId,
			DisplayName: userName,
			Role:        role,
		},
		time.Duration(timeoutSeconds)*time.Second,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot mint token: %s\n", err)
		os.Exit(1)
	}
	fmt.Println(signed)
}

func createUser(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	userName, _ := opts.String("--user_name")
	role, _ := opts.String("--role")
	userId := collab.NewId()
	if err := store.CreateUser(context.Background(), userId, userName, role); err != nil {
		fmt.Fprintf(os.Stderr, "cannot create user: %s\n", err)
		os.Exit(1)
	}
	fmt.Println(userId)
}

func createSheet(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	ownerIdStr, _ := opts.String("--owner_id")
	ownerId, err := collab.ParseId(ownerIdStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid owner id: %s\n", err)
		os.Exit(1)
	}
	name, _ := opts.String("--name")
	sheetId := collab.NewId()
	if err := store.CreateSheet(context.Background(), sheetId, ownerId, name); err != nil {
		fmt.Fprintf(os.Stderr, "cannot create sheet: %s\n", err)
		os.Exit(1)
	}
	fmt.Println(sheetId)
}

func grant(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	sheetIdStr, _ := opts.String("--sheet_id")
	sheetId, err := collab.ParseId(sheetIdStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid sheet id: %s\n", err)
		os.Exit(1)
	}
	userIdStr, _ := opts.String("--user_id")
	userId, err := collab.ParseId(userIdStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid user id: %s\n", err)
		os.Exit(1)
	}
	permissionStr, _ := opts.String("--permission")
	err = store.GrantPermission(context.Background(), sheetId, userId, collab.Permission(permissionStr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot grant permission: %s\n", err)
		os.Exit(1)
	}
}

func openStore(opts docopt.Opts) *collab.SqliteStore {
	dbPath := DefaultDbPath
	if dbPathAny := opts["--db"]; dbPathAny != nil {
		dbPath = dbPathAny.(string)
	}
	store, err := collab.OpenSqliteStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open database %s: %s\n", dbPath, err)
		os.Exit(1)
	}
	return store
}

func jwtSecret(opts docopt.Opts) string {
	if secretAny := opts["--jwt_secret"]; secretAny != nil {
		return secretAny.(string)
	}
	if secret := os.Getenv("COLLAB_JWT_SECRET"); secret != "" {
		return secret
	}
	fmt.Print("jwt secret: ")
	secretBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot read secret: %s\n", err)
		os.Exit(1)
	}
	return string(secretBytes)
}
