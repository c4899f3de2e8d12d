package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"mailforge/backend/internal/auth"
	"mailforge/backend/internal/service"
	sqlstore "mailforge/backend/internal/storage/sql"
)

// 创建 SMTP 用户并为其分配邮件地址
func main() {
	dbType := flag.String("type", os.Getenv("MAILFORGE_DATABASE_TYPE"), "数据库类型: mysql、postgres 或 sqlite")
	dbDSN := flag.String("dsn", os.Getenv("MAILFORGE_DATABASE_DSN"), "数据库连接字符串")
	flag.Usage = func() {
		fmt.Println("Usage: create-account [-type=mysql -dsn=...] <username> <password> [address...]")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 || *dbType == "" || *dbDSN == "" {
		flag.Usage()
		os.Exit(1)
	}
	username, password, addrs := args[0], args[1], args[2:]

	store, err := sqlstore.NewStore(*dbType, *dbDSN, 2, 1, time.Minute)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, err := auth.NewService(store, store).Register(ctx, auth.RegisterInput{
		Username: username,
		Password: password,
	})
	if err != nil {
		fmt.Printf("Failed to create user: %v\n", err)
		os.Exit(1)
	}

	addresses := service.NewAddressService(store, zap.NewNop())
	var created []string
	for _, a := range addrs {
		addr, err := addresses.Create(ctx, service.CreateAddressInput{Address: a, UserID: user.ID})
		if err != nil {
			fmt.Printf("Failed to create address %s: %v\n", a, err)
			os.Exit(1)
		}
		created = append(created, addr.Address)
	}

	fmt.Printf("✓ Account created successfully!\n")
	fmt.Printf("  ID:        %s\n", user.ID)
	fmt.Printf("  Username:  %s\n", user.Username)
	for _, a := range created {
		fmt.Printf("  Address:   %s\n", a)
	}
}
