// Консольный клиент мессенджера: список каналов с маркерами
// непрочитанного, живой хвост входящих сообщений, отправка из флага.
// С -dev поднимает in-memory сервер прямо в процессе.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theandrunique/messenger-api-client-sub000/internal/client"
	"github.com/theandrunique/messenger-api-client-sub000/internal/config"
	"github.com/theandrunique/messenger-api-client-sub000/internal/devserver"
	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
	"github.com/theandrunique/messenger-api-client-sub000/internal/readstate"
	"github.com/theandrunique/messenger-api-client-sub000/internal/session"
)

func main() {
	logger.SetPrefix("messenger")

	configPath := flag.String("config", "", "path to client.yaml")
	dev := flag.Bool("dev", false, "run an in-memory dev server in-process")
	register := flag.Bool("register", false, "register before logging in")
	login := flag.String("login", "", "username or email")
	email := flag.String("email", "", "email (registration only)")
	password := flag.String("password", "", "account password")
	channelID := flag.String("channel", "", "channel id for -send")
	send := flag.String("send", "", "send a message and keep tailing")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("CONFIG_PATH", *configPath)
	}
	cfg := config.Load()

	var store session.Store
	if *dev {
		addr := startDevServer()
		cfg.APIBaseURL = "http://" + addr
		cfg.GatewayURL = "ws://" + addr + "/gateway"
		// Сессии dev-сервера не переживают рестарт, файловое хранилище
		// только мешало бы протухшими токенами.
		store = session.NewMemoryStore()
		if *login == "" {
			*login, *password = "dev", "dev-password"
			*register = true
		}
	}

	c, err := client.New(cfg, store)
	if err != nil {
		logger.Errorf("инициализация клиента: %v", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *login != "" {
		if *register {
			mail := *email
			if mail == "" {
				mail = *login + "@localhost"
			}
			if _, err := c.Register(ctx, *login, mail, *password); err != nil {
				logger.Errorf("регистрация: %v", err)
				os.Exit(1)
			}
		}
		if err := c.Login(ctx, *login, *password); err != nil {
			logger.Errorf("вход: %v", err)
			os.Exit(1)
		}
	}
	if !c.Authenticated() {
		logger.Error("нет сессии: укажите -login и -password")
		os.Exit(1)
	}

	if err := c.SyncChannels(ctx); err != nil {
		logger.Errorf("загрузка каналов: %v", err)
		os.Exit(1)
	}
	if err := c.Connect(ctx); err != nil {
		logger.Errorf("подключение к гейтвею: %v", err)
		os.Exit(1)
	}
	logger.Infof("вошли как %s, каналов: %d", c.UserID(), len(c.Channels.List()))

	if *send != "" {
		if *channelID == "" {
			logger.Error("-send требует -channel")
			os.Exit(1)
		}
		c.Send(*channelID, *send, nil)
	}

	printChannels(c)
	tail(ctx, c)
	logger.Info("завершение")
}

// startDevServer поднимает in-memory сервер на свободном порту.
func startDevServer() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Errorf("dev-сервер: %v", err)
		os.Exit(1)
	}
	ds := devserver.New()
	go func() {
		if err := http.Serve(ln, ds.Handler()); err != nil {
			logger.Errorf("dev-сервер остановлен: %v", err)
		}
	}()
	addr := ln.Addr().String()
	logger.Infof("dev-сервер на %s", addr)
	return addr
}

func printChannels(c *client.Client) {
	channels := c.Channels.List()
	if len(channels) == 0 {
		fmt.Println("каналов нет")
		return
	}
	for _, ch := range channels {
		marker := "  "
		if readstate.HasUnread(ch, c.UserID()) {
			marker = "* "
		}
		fmt.Printf("%s%s  %s  %s\n", marker, ch.ID, ch.Kind, channelTitle(ch, c.UserID()))
		if ch.LastMessage != nil {
			fmt.Printf("      %s: %s\n", ch.LastMessage.Author.Username, previewText(*ch.LastMessage))
		}
	}
}

// tail раз в секунду сверяет превью каналов и печатает новые сообщения,
// пока процесс не прервут.
func tail(ctx context.Context, c *client.Client) {
	seen := make(map[string]string)
	for _, ch := range c.Channels.List() {
		if ch.LastMessage != nil {
			seen[ch.ID] = ch.LastMessage.ID
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ch := range c.Channels.List() {
				lm := ch.LastMessage
				if lm == nil || seen[ch.ID] == lm.ID {
					continue
				}
				seen[ch.ID] = lm.ID
				fmt.Printf("[%s] %s: %s\n", channelTitle(ch, c.UserID()), lm.Author.Username, previewText(*lm))
			}
		}
	}
}

func channelTitle(ch model.Channel, selfID string) string {
	if ch.Name != "" {
		return ch.Name
	}
	for _, m := range ch.Members {
		if m.ID != selfID {
			return m.Username
		}
	}
	return ch.ID
}

func previewText(lm model.MessagePreview) string {
	switch {
	case lm.Type.IsMeta():
		return "<" + string(lm.Type) + ">"
	case lm.Content == "" && lm.AttachmentCount > 0:
		return fmt.Sprintf("<%d вложений>", lm.AttachmentCount)
	default:
		return lm.Content
	}
}
