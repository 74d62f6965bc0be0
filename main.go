package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cipherchat/api"
	"cipherchat/config"
	"cipherchat/conversations"
	"cipherchat/crypto"
	"cipherchat/presence"
	"cipherchat/realtime"
	"cipherchat/session"
	"cipherchat/timeline"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	privateKey, publicKey, err := crypto.EnsureKeyPair(cfg.RSAPrivateKeyPath, cfg.RSAPublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing RSA keypair: %v", err)
	}

	fingerprint, err := crypto.Fingerprint(publicKey)
	if err != nil {
		log.Fatalf("startup failed while fingerprinting public key: %v", err)
	}
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting key fingerprint: %v", err)
		}
	}

	token := os.Getenv("CIPHERCHAT_TOKEN")
	if token == "" {
		log.Fatalf("startup failed: CIPHERCHAT_TOKEN is not set (log in and export the access token)")
	}

	sess, err := session.FromToken(token, privateKey)
	if err != nil {
		log.Fatalf("startup failed while reading access token: %v", err)
	}
	if sess.Expired(time.Now()) {
		log.Fatalf("startup failed: access token expired at %v", sess.ExpiresAt)
	}

	fmt.Printf("User ID:        %s\n", sess.UserID)
	fmt.Printf("Client ID:      %s\n", cfg.ClientID)
	fmt.Printf("Fingerprint:    %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
	fmt.Printf("API Base URL:   %s\n", cfg.APIBaseURL)
	fmt.Printf("Push URL:       %s\n", cfg.PushURL)
	fmt.Printf("Config File:    %s\n", cfgPath)

	client := api.NewClient(cfg.APIBaseURL, token)

	transport, err := realtime.NewWebsocketTransport(realtime.WebsocketOptions{
		URL:   cfg.PushURL,
		Token: token,
	})
	if err != nil {
		log.Fatalf("startup failed while preparing push transport: %v", err)
	}
	transport.Start()
	defer func() {
		if err := transport.Close(); err != nil {
			log.Printf("push transport close error: %v", err)
		}
	}()

	rt := realtime.NewSession(transport, sess.UserID)
	rt.Start()
	defer rt.Stop()

	tracker := presence.NewTracker()
	go tracker.Run(rt.Subscribe(realtime.KindStatus))

	syncer, err := conversations.NewSync(conversations.Options{
		Fetch: client.Conversations,
	})
	if err != nil {
		log.Fatalf("startup failed while preparing conversation sync: %v", err)
	}
	defer syncer.Close()
	go requestRefreshOnPush(syncer, rt.Subscribe(realtime.KindRefresh))

	reconciler, err := timeline.NewReconciler(timeline.Options{
		Backend:         client,
		Notifier:        rt,
		ViewerID:        sess.UserID,
		ViewerPublicKey: publicKey,
		PrivateKey:      privateKey,
	})
	if err != nil {
		log.Fatalf("startup failed while preparing timeline: %v", err)
	}
	go reconciler.Run(rt.Subscribe(realtime.KindMessage))

	go logPushEvents(rt.Subscribe(realtime.KindMessage, realtime.KindStatus, realtime.KindRefresh))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := syncer.RefreshNow(ctx); err != nil {
		log.Printf("initial conversation fetch failed: %v", err)
	} else {
		fmt.Printf("Conversations:  %d\n", len(syncer.Conversations()))
	}

	fmt.Println("Status:         running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:         shutting down")
}

func requestRefreshOnPush(syncer *conversations.Sync, sub *realtime.Subscription) {
	for event := range sub.Events() {
		if refresh, ok := event.(realtime.RefreshEvent); ok {
			syncer.RequestRefresh(refresh.Type)
		}
	}
}

func logPushEvents(sub *realtime.Subscription) {
	for event := range sub.Events() {
		switch e := event.(type) {
		case realtime.MessageEvent:
			log.Printf("push: message id=%s conversation=%s sender=%s",
				e.Message.ServerID, e.Message.ConversationID, e.Message.SenderID)
		case realtime.StatusEvent:
			log.Printf("push: user=%s status=%s", e.UserID, e.Status)
		case realtime.RefreshEvent:
			log.Printf("push: refresh type=%s conversation=%s", e.Type, e.ConversationID)
		default:
			log.Printf("push: event=%s", event.EventKind())
		}
	}
}
