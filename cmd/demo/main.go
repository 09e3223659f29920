package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/SankaiAI/iheard-ai-widget-sub000/internal/agentstate"
	"github.com/SankaiAI/iheard-ai-widget-sub000/internal/backend"
	"github.com/SankaiAI/iheard-ai-widget-sub000/internal/config"
	"github.com/SankaiAI/iheard-ai-widget-sub000/internal/devserver"
	"github.com/SankaiAI/iheard-ai-widget-sub000/internal/rtc"
	"github.com/SankaiAI/iheard-ai-widget-sub000/internal/session"
	"github.com/SankaiAI/iheard-ai-widget-sub000/internal/stream"
	"github.com/SankaiAI/iheard-ai-widget-sub000/internal/vad"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	if cfg.LocalStub {
		e := devserver.New()
		go func() {
			log.Printf("stub backend listening on %s", cfg.HTTPAddress)
			if err := e.Start(cfg.HTTPAddress); err != nil {
				log.Printf("stub backend stopped: %v", err)
			}
		}()
		// Give the stub a moment to bind before the clients dial it.
		time.Sleep(200 * time.Millisecond)
	}

	channel := stream.NewChannel(stream.Config{
		URL:                  cfg.StatusWSURL,
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ResponseTimeout:      cfg.ResponseTimeout,
	}, stream.Events{
		OnStateChange: func(s stream.State) { log.Printf("status channel: %s", s) },
	})

	be := backend.NewClient(cfg.BackendBaseURL, cfg.AgentKey)

	voice := rtc.NewTransport(rtc.Config{
		SignalingURL:   cfg.SignalingWSURL,
		ICEServersJSON: cfg.ICEServersJSON,
	})

	ctl := session.New(session.Config{
		CustomerID: cfg.CustomerID,
		AgentKey:   cfg.AgentKey,
		StoreID:    cfg.StoreID,
		DisableVAD: cfg.DisableVAD,
		VADConfig: vad.Config{
			SpeechThreshold:  cfg.SpeechThreshold,
			SilenceThreshold: cfg.SilenceThreshold,
			SpeechFrames:     2,
			SilenceFrames:    2,
		},
	}, channel, be, voice, session.Events{
		OnThinking: func(st stream.ThinkingStatus) {
			fmt.Printf("  [%d%%] %s\n", st.Progress, st.StatusMessage)
		},
		OnAgentState: func(s agentstate.Snapshot) {
			log.Printf("agent: %s", s.Phase)
		},
		OnSpeakingChanged: func(speaking bool) {
			log.Printf("remote speaking: %v", speaking)
		},
		OnError: func(err error) {
			log.Printf("session error: %v", err)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := ctl.Initialize(ctx, session.Mode(cfg.PreferredMode), nil)
	if err != nil {
		log.Fatalf("initialize: %v", err)
	}
	fmt.Printf("assistant> %s\n", res.Greeting)
	if res.SessionType == "continuation" {
		fmt.Printf("(resumed previous conversation, %d prior turns)\n", len(ctl.Log()))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println()
		if err := ctl.End(context.Background()); err != nil {
			log.Printf("end session: %v", err)
		}
		os.Exit(0)
	}()

	fmt.Println("type a message, or /voice, /text, /stop, /quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch line {
		case "/quit":
			if err := ctl.End(ctx); err != nil {
				log.Printf("end session: %v", err)
			}
			return
		case "/stop":
			ctl.Interrupt()
			continue
		case "/voice":
			if err := ctl.SwitchMode(ctx, session.ModeVoice, true); err != nil {
				log.Printf("switch to voice: %v", err)
			}
			continue
		case "/text":
			if err := ctl.SwitchMode(ctx, session.ModeText, true); err != nil {
				log.Printf("switch to text: %v", err)
			}
			continue
		}

		reply, err := ctl.SendMessage(ctx, line)
		if err != nil {
			log.Printf("send: %v", err)
			continue
		}
		fmt.Printf("assistant> %s\n", reply)
	}

	if err := ctl.End(ctx); err != nil {
		log.Printf("end session: %v", err)
	}
}
