// containctl is a manual operator tool for the tap daemon: it exercises
// internal/tapclient directly so a stuck containd can be debugged without
// spinning up a whole VM.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/contain-vm/contain/internal/tapclient"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s tap <command> [options]

Commands:
  tap create --user <name>   Create a tap device owned by <name>
  tap delete --name <name>   Delete a tap device by name
`, os.Args[0])
}

func main() {
	if len(os.Args) < 2 || os.Args[1] != "tap" {
		usage()
		os.Exit(1)
	}
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}

	client := tapclient.New(tapclient.DefaultSocketPath)
	ctx := context.Background()

	switch os.Args[2] {
	case "create":
		cmdTapCreate(ctx, client, os.Args[3:])
	case "delete":
		cmdTapDelete(ctx, client, os.Args[3:])
	default:
		fmt.Fprintf(os.Stderr, "unknown tap command: %s\n", os.Args[2])
		usage()
		os.Exit(1)
	}
}

func cmdTapCreate(ctx context.Context, client *tapclient.Client, args []string) {
	var user string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--user":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--user requires a value")
				os.Exit(1)
			}
			user = args[i+1]
			i++
		}
	}
	if user == "" {
		fmt.Fprintln(os.Stderr, "tap create requires --user")
		os.Exit(1)
	}

	name, err := client.Create(ctx, user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "containctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(name)
}

func cmdTapDelete(ctx context.Context, client *tapclient.Client, args []string) {
	var name string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			name = args[i+1]
			i++
		}
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "tap delete requires --name")
		os.Exit(1)
	}

	if err := client.Delete(ctx, name); err != nil {
		fmt.Fprintf(os.Stderr, "containctl: %v\n", err)
		os.Exit(1)
	}
}
