package main

import (
	"fmt"
	"os"

	"github.com/danshapiro/talespin/internal/modclient"
	"github.com/danshapiro/talespin/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  talespin serve [--port <port>] [--projects-root <dir>] [--project <id>]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "environment:")
	fmt.Fprintln(os.Stderr, "  PORT                          listen port (default 8080)")
	fmt.Fprintln(os.Stderr, "  GAME_PROJECTS_ROOT            directory of game projects (default ./game_projects)")
	fmt.Fprintln(os.Stderr, "  GAME_PROJECT_ID               project new runs are created in (default default)")
	fmt.Fprintln(os.Stderr, "  MODULE_INTENT_URL             intent extractor base URL")
	fmt.Fprintln(os.Stderr, "  MODULE_LOREMASTER_URL         loremaster base URL")
	fmt.Fprintln(os.Stderr, "  MODULE_DEFAULT_SIMULATOR_URL  simulator base URL")
	fmt.Fprintln(os.Stderr, "  MODULE_ARBITER_URL            arbiter base URL")
	fmt.Fprintln(os.Stderr, "  MODULE_PROSER_URL             proser base URL")
	fmt.Fprintln(os.Stderr, "  MODULE_REQUEST_TIMEOUT_MS     per-module-call timeout (default 20000)")
}

func serve(args []string) {
	port := envOr("PORT", "8080")
	projectsRoot := envOr("GAME_PROJECTS_ROOT", "game_projects")
	projectID := envOr("GAME_PROJECT_ID", "default")

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--port":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--port requires a value")
				os.Exit(1)
			}
			port = args[i]
		case "--projects-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--projects-root requires a value")
				os.Exit(1)
			}
			projectsRoot = args[i]
		case "--project":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--project requires a value")
				os.Exit(1)
			}
			projectID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			usage()
			os.Exit(1)
		}
	}

	srv := server.New(server.Config{
		Addr:             ":" + port,
		GameProjectsRoot: projectsRoot,
		GameProjectID:    projectID,
		Client:           modclient.NewFromEnv(),
		EnvLookup:        os.LookupEnv,
	})
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "talespin: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
