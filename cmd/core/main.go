package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jhump/protoreflect/dynamic"
	"go.uber.org/zap"

	"minerwatt/internal/braiins"
	"minerwatt/internal/bus"
	"minerwatt/internal/bus/embeddednats"
	"minerwatt/internal/bus/natsjs"
	"minerwatt/internal/control"
	"minerwatt/internal/defaultcreds"
	"minerwatt/internal/events"
	"minerwatt/internal/logging"
	"minerwatt/internal/market"
	"minerwatt/internal/minerapi"
	"minerwatt/internal/registry"
	"minerwatt/internal/scheduler"
	"minerwatt/internal/secrets"
	"minerwatt/internal/settings"
	"minerwatt/internal/stats"
	"minerwatt/internal/storage/repo"
	"minerwatt/internal/version"
)

func main() {
	log, err := logging.New(logging.Config{Level: "info"})
	if err != nil {
		panic(err)
	}
	startedAt := time.Now()
	defer func() { _ = log.Sync() }()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgStore, err := settings.Open("data")
	if err != nil {
		log.Fatal("settings open", zap.Error(err))
	}
	sec, err := secrets.Open("data")
	if err != nil {
		log.Fatal("secrets open", zap.Error(err))
	}
	cfg := cfgStore.Get()

	// Embedded NATS (optional) — start before any client connections.
	var embMu sync.Mutex
	var emb *embeddednats.Server
	startEmbedded := func(s settings.Settings) {
		embMu.Lock()
		defer embMu.Unlock()
		if emb != nil {
			emb.Shutdown()
			emb = nil
		}
		if !s.EmbeddedNATS.Enabled {
			return
		}
		server, err := embeddednats.Start(embeddednats.Config{
			Host:     s.EmbeddedNATS.Host,
			Port:     s.EmbeddedNATS.Port,
			HTTPPort: s.EmbeddedNATS.HTTPPort,
			StoreDir: s.EmbeddedNATS.StoreDir,
		})
		if err != nil {
			log.Warn("embedded nats start failed", zap.Error(err))
			return
		}
		emb = server
		log.Info("embedded nats started",
			zap.String("host", s.EmbeddedNATS.Host),
			zap.Int("port", s.EmbeddedNATS.Port),
			zap.Int("http_port", s.EmbeddedNATS.HTTPPort),
		)
	}
	startEmbedded(cfg)

	schema, err := events.LoadSchema()
	if err != nil {
		log.Fatal("load proto schema", zap.Error(err))
	}

	store := registry.NewStore()
	history := repo.NewMemory(0)

	minerClient := minerapi.New()
	gqlClient := braiins.New(log)
	aggregator := stats.New(minerClient, gqlClient, log, cfg.WattsPerTH)
	applier := control.NewApplier(minerClient, log)

	marketData := &market.Data{
		Price:    market.NewPriceFetcher(log, cfg.PriceZone),
		Exchange: market.NewExchangeFetcher(log),
		Network:  market.NewNetworkFetcher(log),
	}

	// NATS client lifecycle. The scheduler and control handlers see whatever
	// client is currently connected (or nil while down).
	var natsMu sync.RWMutex
	var natsClient *natsjs.Client
	var natsConnected atomic.Bool
	var natsLastErr atomic.Value
	natsLastErr.Store("")

	currentPublisher := func() bus.Publisher {
		natsMu.RLock()
		defer natsMu.RUnlock()
		if natsClient == nil {
			return nil
		}
		return natsClient
	}

	// Credential lookup: assigned stored credential first, then the built-in
	// factory pairs.
	resolveCred := func(dev settings.Device) braiins.Cred {
		s := cfgStore.Get()
		for _, c := range s.Credentials {
			if !c.Enabled || c.ID != dev.CredentialID {
				continue
			}
			user, uerr := sec.DecryptString(c.UsernameEnc)
			pass, perr := sec.DecryptString(c.PasswordEnc)
			if uerr != nil || perr != nil {
				log.Warn("credential decrypt failed", zap.String("id", c.ID))
				break
			}
			return braiins.Cred{Username: user, Password: pass}
		}
		if defs := defaultcreds.Defaults(); len(defs) > 0 {
			return braiins.Cred{Username: defs[0].Username, Password: defs[0].Password}
		}
		return braiins.Cred{}
	}

	sched := scheduler.New(aggregator, marketData, store, history, schema, currentPublisher, cfgStore.Get, log)
	sched.SetCredResolver(resolveCred)
	go func() {
		if err := sched.Run(rootCtx); err != nil {
			log.Error("scheduler stopped", zap.Error(err))
		}
	}()

	// Recent-events ring fed from JetStream, for the UI's activity feed.
	type eventEntry struct {
		Subject string          `json:"subject"`
		At      time.Time       `json:"at"`
		Body    json.RawMessage `json:"body"`
	}
	var evMu sync.Mutex
	var evRing []eventEntry
	appendEvent := func(e eventEntry) {
		evMu.Lock()
		evRing = append(evRing, e)
		if len(evRing) > 256 {
			evRing = evRing[len(evRing)-256:]
		}
		evMu.Unlock()
	}

	startConsumer := func(c *natsjs.Client) {
		consumer, err := c.NewPullConsumer("core-events", ">", 1024)
		if err != nil {
			log.Warn("pull consumer create failed", zap.Error(err))
			return
		}
		go func() {
			for {
				select {
				case <-rootCtx.Done():
					return
				default:
				}
				natsMu.RLock()
				stale := natsClient != c
				natsMu.RUnlock()
				if stale {
					return
				}
				msgs, err := consumer.Fetch(rootCtx, 64, 2*time.Second)
				if err != nil {
					continue
				}
				for _, m := range msgs {
					env, err := events.UnmarshalEnvelope(schema, m.Data())
					if err != nil {
						_ = m.Term()
						continue
					}
					body, _ := env.MarshalJSON()
					subject, _ := env.GetFieldByName("subject").(string)
					appendEvent(eventEntry{Subject: subject, At: time.Now().UTC(), Body: body})
					_ = m.Ack()
				}
			}
		}()
	}

	reconnectCh := make(chan struct{}, 1)
	requestReconnect := func() {
		select {
		case reconnectCh <- struct{}{}:
		default:
		}
	}

	// connect loop
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				natsMu.Lock()
				if natsClient != nil {
					_ = natsClient.Close()
					natsClient = nil
				}
				natsMu.Unlock()
				return
			default:
			}
			s := cfgStore.Get()

			c, err := natsjs.Connect(natsjs.Config{
				URL:     s.NATSURL,
				Prefix:  s.NATSPrefix,
				Timeout: 2 * time.Second,
			})
			if err != nil {
				natsConnected.Store(false)
				natsLastErr.Store(err.Error())
				select {
				case <-rootCtx.Done():
					return
				case <-time.After(2 * time.Second):
					continue
				case <-reconnectCh:
					continue
				}
			}
			if err := c.EnsureStreams(); err != nil {
				_ = c.Close()
				natsConnected.Store(false)
				natsLastErr.Store(err.Error())
				select {
				case <-rootCtx.Done():
					return
				case <-time.After(2 * time.Second):
					continue
				case <-reconnectCh:
					continue
				}
			}

			natsMu.Lock()
			if natsClient != nil {
				_ = natsClient.Close()
			}
			natsClient = c
			natsMu.Unlock()

			natsConnected.Store(true)
			natsLastErr.Store("")
			startConsumer(c)

			// wait for explicit reconnect request
			select {
			case <-rootCtx.Done():
				natsConnected.Store(false)
				natsMu.Lock()
				if natsClient != nil {
					_ = natsClient.Close()
					natsClient = nil
				}
				natsMu.Unlock()
				return
			case <-reconnectCh:
			}
			natsConnected.Store(false)
		}
	}()

	publishControlApplied := func(addr string, res control.Result) {
		p := currentPublisher()
		if p == nil {
			return
		}
		ca := dynamic.NewMessage(schema.ControlApplied)
		ca.SetFieldByName("address", addr)
		ca.SetFieldByName("profile", res.Profile)
		ca.SetFieldByName("target_watts", int32(res.TargetWatts))
		ca.SetFieldByName("outcome", string(res.Outcome))
		ca.SetFieldByName("detail", res.Detail)
		env := schema.NewEnvelope(events.ControlApplied)
		env.SetFieldByName("control_applied", ca)
		if b, err := events.Marshal(env); err == nil {
			_ = p.Publish(context.Background(), events.ControlApplied, b)
		}
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain")
		_, _ = w.Write([]byte(version.String()))
	})
	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		errStr, _ := natsLastErr.Load().(string)
		embMu.Lock()
		embOn := emb != nil
		embMu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"nats_connected": natsConnected.Load(),
			"nats_error":     errStr,
			"embedded_nats":  embOn,
			"started_at":     startedAt.Format(time.RFC3339),
			"uptime_s":       int64(time.Since(startedAt).Seconds()),
		})
	})

	r.Get("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(store.List())
	})
	r.Get("/api/devices/{address}", func(w http.ResponseWriter, r *http.Request) {
		addr := strings.TrimSpace(chi.URLParam(r, "address"))
		d, ok := store.Get(addr)
		if !ok {
			http.Error(w, "unknown device", http.StatusNotFound)
			return
		}
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(d)
	})
	r.Get("/api/history", func(w http.ResponseWriter, r *http.Request) {
		addrs, err := history.Addresses(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(addrs)
	})
	r.Get("/api/devices/{address}/history", func(w http.ResponseWriter, r *http.Request) {
		addr := strings.TrimSpace(chi.URLParam(r, "address"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		samples, err := history.Recent(r.Context(), addr, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(samples)
	})
	r.Post("/api/devices/{address}/profile", func(w http.ResponseWriter, r *http.Request) {
		addr := strings.TrimSpace(chi.URLParam(r, "address"))
		var body struct {
			Profile string `json:"profile"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		res := applier.Apply(r.Context(), addr, body.Profile)
		if res.Outcome != control.Failed {
			store.SetProfile(addr, res.Profile)
			_ = cfgStore.Patch(func(s *settings.Settings) {
				for i := range s.Devices {
					if s.Devices[i].Address == addr {
						s.Devices[i].Profile = res.Profile
					}
				}
			})
		}
		publishControlApplied(addr, res)
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})
	r.Get("/api/profiles", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(control.Profiles)
	})

	r.Get("/api/market", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(marketData.Snapshot())
	})

	r.Get("/api/events", func(w http.ResponseWriter, r *http.Request) {
		evMu.Lock()
		out := make([]eventEntry, len(evRing))
		copy(out, evRing)
		evMu.Unlock()
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	// Settings
	r.Get("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(cfgStore.Get())
	})
	r.Put("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		var s settings.Settings
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		// The settings surface does not edit credentials; never wipe them.
		prev := cfgStore.Get()
		s.Credentials = prev.Credentials
		normalizeSettings(&s)
		if err := cfgStore.Update(s); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if s.PriceZone != prev.PriceZone {
			marketData.Price.SetZone(s.PriceZone)
		}
		aggregator.SetWattsPerTH(s.WattsPerTH)
		// Apply embedded NATS changes immediately (best-effort).
		startEmbedded(s)
		requestReconnect()
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(cfgStore.Get())
	})

	// Stored credentials (secrets never leave the process decrypted).
	r.Get("/api/creds", func(w http.ResponseWriter, r *http.Request) {
		s := cfgStore.Get()
		type credView struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Enabled bool   `json:"enabled"`
			Note    string `json:"note,omitempty"`
		}
		out := make([]credView, 0, len(s.Credentials))
		for _, c := range s.Credentials {
			out = append(out, credView{ID: c.ID, Name: c.Name, Enabled: c.Enabled, Note: c.Note})
		}
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	r.Post("/api/creds", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name     string `json:"name"`
			Username string `json:"username"`
			Password string `json:"password"`
			Note     string `json:"note"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		userEnc, err := sec.EncryptString(body.Username)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		passEnc, err := sec.EncryptString(body.Password)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		cred := settings.Credential{
			ID:          uuid.NewString(),
			Name:        body.Name,
			Enabled:     true,
			Note:        body.Note,
			UsernameEnc: userEnc,
			PasswordEnc: passEnc,
		}
		if err := cfgStore.Patch(func(s *settings.Settings) {
			s.Credentials = append(s.Credentials, cred)
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": cred.ID})
	})
	r.Get("/api/creds/defaults", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(defaultcreds.Defaults())
	})

	// Exit (two clicks from the UI settings page)
	exitCh := make(chan struct{}, 1)
	r.Post("/api/admin/exit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("bye"))
		select {
		case exitCh <- struct{}{}:
		default:
		}
	})

	r.Get("/api/stream/devices", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusBadRequest)
			return
		}

		w.Header().Set("content-type", "text/event-stream")
		w.Header().Set("cache-control", "no-cache")
		w.Header().Set("connection", "keep-alive")

		ctx := r.Context()
		ch := store.Subscribe(ctx)

		send := func() {
			b, _ := json.Marshal(store.List())
			_, _ = fmt.Fprintf(w, "event: devices\ndata: %s\n\n", b)
			flusher.Flush()
		}

		send()

		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				send()
			case <-heartbeat.C:
				_, _ = fmt.Fprint(w, "event: ping\ndata: 1\n\n")
				flusher.Flush()
			}
		}
	})

	addr := cfgStore.Get().HTTPAddr
	ln, actualAddr, err := listenWithFallback(addr)
	if err != nil {
		log.Fatal("http listen", zap.String("addr", addr), zap.Error(err))
	}
	if actualAddr != addr {
		log.Warn("http addr was busy; switched", zap.String("from", addr), zap.String("to", actualAddr))
		_ = cfgStore.Patch(func(s *settings.Settings) { s.HTTPAddr = actualAddr })
	}
	srv := &http.Server{Handler: r}
	go func() {
		log.Info("core http listening", zap.String("addr", actualAddr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http serve", zap.Error(err))
			select {
			case exitCh <- struct{}{}:
			default:
			}
		}
	}()

	// Wait for exit signal
	select {
	case <-rootCtx.Done():
	case <-exitCh:
	}
	stop()

	// Stop NATS client
	natsConnected.Store(false)
	natsMu.Lock()
	if natsClient != nil {
		_ = natsClient.Close()
		natsClient = nil
	}
	natsMu.Unlock()

	// Stop embedded NATS
	embMu.Lock()
	if emb != nil {
		emb.Shutdown()
		emb = nil
	}
	embMu.Unlock()

	// Stop HTTP
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	_ = srv.Shutdown(ctxTimeout)
	cancel()
}

func normalizeSettings(s *settings.Settings) {
	if s.Version == 0 {
		s.Version = 1
	}
	if s.HTTPAddr == "" {
		s.HTTPAddr = ":8080"
	}
	if s.NATSURL == "" {
		s.NATSURL = "nats://127.0.0.1:14222"
	}
	if s.NATSPrefix == "" {
		s.NATSPrefix = "minerwatt"
	}
	if s.EmbeddedNATS.Host == "" {
		s.EmbeddedNATS.Host = "127.0.0.1"
	}
	if s.EmbeddedNATS.Port == 0 {
		s.EmbeddedNATS.Port = 14222
	}
	if s.EmbeddedNATS.HTTPPort == 0 {
		s.EmbeddedNATS.HTTPPort = 18222
	}
	if s.EmbeddedNATS.StoreDir == "" {
		s.EmbeddedNATS.StoreDir = "data/nats"
	}
	if s.Poll.Interval <= 0 {
		s.Poll.Interval = 30 * time.Second
	}
	if s.Poll.CmdTimeout <= 0 {
		s.Poll.CmdTimeout = 10 * time.Second
	}
	if s.PriceZone == "" {
		s.PriceZone = "NO1"
	}
	if s.WattsPerTH <= 0 {
		s.WattsPerTH = 32.5
	}
}

func listenWithFallback(addr string) (net.Listener, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, addr, nil
	}

	// Try port+1..port+20 on "address already in use" only.
	if !isAddrInUse(err) {
		return nil, "", err
	}

	host, portStr, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		if len(addr) > 0 && addr[0] == ':' {
			host = ""
			portStr = addr[1:]
		} else {
			return nil, "", err
		}
	}
	port, _ := strconv.Atoi(portStr)
	if port == 0 {
		return nil, "", err
	}

	for i := 1; i <= 20; i++ {
		tryAddr := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, e := net.Listen("tcp", tryAddr)
		if e == nil {
			return ln, tryAddr, nil
		}
	}
	return nil, "", err
}

func isAddrInUse(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "address already in use") ||
		strings.Contains(strings.ToLower(err.Error()), "only one usage of each socket address")
}
