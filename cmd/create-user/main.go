package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"chatroom/backend/internal/auth"
	"chatroom/backend/internal/config"
	"chatroom/backend/internal/logger"
	"chatroom/backend/internal/storage/factory"
)

// create-user 在配置的存储中创建一个可登录的账户
func main() {
	email := flag.String("email", "", "账户邮箱")
	password := flag.String("password", "", "账户密码（8-72 个字符）")
	flag.Parse()

	if *email == "" || *password == "" {
		fmt.Println("Usage: create-user -email=<email> -password=<password>")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewDevelopmentLogger()
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backend, err := factory.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	defer backend.Close()

	if backend.Kind == "memory" {
		log.Warn("memory storage is not persistent, the account disappears when this command exits")
	}

	user, err := auth.NewService(backend.Store).CreateUser(ctx, auth.CreateUserInput{
		Email:    *email,
		Password: *password,
	})
	if err != nil {
		log.Error("failed to create user", zap.String("email", *email), zap.Error(err))
		backend.Close()
		os.Exit(1)
	}

	log.Info("user created",
		zap.String("id", user.ID),
		zap.String("email", user.Email),
		zap.String("backend", backend.Kind),
	)
}
