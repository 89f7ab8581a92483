package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"pillcloud/config"
	"pillcloud/internal/auth"
	"pillcloud/internal/logs"
	"pillcloud/server"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", os.Getenv("PILLCLOUD_CONFIG"), "path to config file (yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logs.Logger.Fatalf("config: %v", err)
	}

	var app server.App
	if err := app.Initialize(cfg); err != nil {
		logs.Logger.Fatalf("init: %v", err)
	}
	if err := app.Run(); err != nil {
		logs.Logger.Fatalf("run: %v", err)
	}
}

// hashPassword печатает bcrypt-хэш для admin.users[].password_hash.
// Пароль берётся из аргумента или из stdin.
func hashPassword(args []string) error {
	var pw string
	if len(args) > 0 {
		pw = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		pw = strings.TrimRight(line, "\r\n")
	}
	if pw == "" {
		return fmt.Errorf("usage: pillcloud hash-password <password>")
	}
	h, err := auth.HashPassword(pw)
	if err != nil {
		return err
	}
	fmt.Println(h)
	return nil
}
