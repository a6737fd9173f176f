package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kaelstrom/travianbot/internal/config"
	"github.com/kaelstrom/travianbot/internal/decision"
	"github.com/kaelstrom/travianbot/internal/logging"
	"github.com/kaelstrom/travianbot/internal/store"
	"github.com/kaelstrom/travianbot/internal/supervisor"
)

// Handlers wires the method surface from spec.md §6 to the rest of the
// program, grouping the collaborators every handler needs the way the
// teacher's control_plane/api.go API groups dispatcher/reconciler/store
// behind one struct.
type Handlers struct {
	Supervisor *supervisor.Manager
	Store      store.Store
	LogRing    *logging.Ring
	Server     *Server

	mu       sync.Mutex
	headless bool
	pages    map[string]*PageConn
}

// RegisterAll binds every method name spec.md §6 lists to s.
func (h *Handlers) RegisterAll(s *Server) {
	h.pages = map[string]*PageConn{}
	h.Server = s

	s.Register("ping", h.ping)
	s.Register("getServers", h.getServers)
	s.Register("getStatus", h.getStatus)
	s.Register("startBot", h.startBot)
	s.Register("stopBot", h.stopBot)
	s.Register("pauseBot", h.pauseBot)
	s.Register("emergencyStop", h.emergencyStop)
	s.Register("saveConfig", h.saveConfig)
	s.Register("getConfig", h.getConfig)
	s.Register("getLogs", h.getLogs)
	s.Register("clearLogs", h.clearLogs)
	s.Register("getQueue", h.getQueue)
	s.Register("clearQueue", h.clearQueue)
	s.Register("getStrategy", h.getStrategy)
	s.Register("requestScan", h.requestScan)
	s.Register("toggleBrowser", h.toggleBrowser)
	s.Register("getBrowserStatus", h.getBrowserStatus)
	s.Register("openPage", h.openPage)
	s.Register("closePage", h.closePage)
	s.Register("importChromeCookies", h.importChromeCookies)
	s.Register("setCookies", h.setCookies)
	s.Register("getVillageConfig", h.getVillageConfig)
	s.Register("saveVillageConfig", h.saveVillageConfig)
	s.Register("getFarmTargets", h.getFarmTargets)
	s.Register("saveFarmTargets", h.saveFarmTargets)
	s.Register("shutdown", h.shutdown)
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

type serverKeyParams struct {
	ServerKey string `json:"serverKey"`
}

func (h *Handlers) ping(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return map[string]string{"status": "ok"}, nil
}

func (h *Handlers) getServers(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var registry store.ServerRegistry
	if h.Store != nil {
		_, _ = h.Store.Load(store.KeyConfigRegistry, &registry)
	}
	return map[string]interface{}{
		"instances": h.Supervisor.ListActive(),
		"registry":  registry,
	}, nil
}

func (h *Handlers) getStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p serverKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	eng := h.Supervisor.Engine(p.ServerKey)
	if eng == nil {
		return map[string]interface{}{"serverKey": p.ServerKey, "bound": false}, nil
	}
	return eng.Status(), nil
}

type startBotParams struct {
	ServerKey string `json:"serverKey"`
	URL       string `json:"url,omitempty"`
}

func (h *Handlers) startBot(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p startBotParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := h.Supervisor.Start(ctx, p.ServerKey); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) stopBot(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p serverKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	h.Supervisor.Stop(p.ServerKey)
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) pauseBot(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p serverKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	h.Supervisor.Pause(p.ServerKey)
	return map[string]bool{"ok": true}, nil
}

type emergencyStopParams struct {
	ServerKey string `json:"serverKey,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (h *Handlers) emergencyStop(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p emergencyStopParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	reason := p.Reason
	if reason == "" {
		reason = "manual"
	}
	h.Supervisor.EmergencyStop(p.ServerKey, reason)
	return map[string]bool{"ok": true}, nil
}

type saveConfigParams struct {
	ServerKey string        `json:"serverKey,omitempty"`
	Config    config.Config `json:"config"`
}

func (h *Handlers) saveConfig(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p saveConfigParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := h.Supervisor.SaveConfig(p.ServerKey, p.Config); err != nil {
		return nil, fmt.Errorf("transport: saveConfig: %w", err)
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) getConfig(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p serverKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return h.Supervisor.Config(p.ServerKey), nil
}

type getLogsParams struct {
	Level string `json:"level,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (h *Handlers) getLogs(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p getLogsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if h.LogRing == nil {
		return []logging.Entry{}, nil
	}
	entries := h.LogRing.Snapshot()
	if p.Level != "" {
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.Level == p.Level {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if p.Limit > 0 && len(entries) > p.Limit {
		entries = entries[len(entries)-p.Limit:]
	}
	return entries, nil
}

func (h *Handlers) clearLogs(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if h.LogRing != nil {
		h.LogRing.Clear()
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) getQueue(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p serverKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	eng := h.Supervisor.Engine(p.ServerKey)
	if eng == nil {
		return map[string]interface{}{"pending": nil, "terminal": nil}, nil
	}
	pending, terminal := eng.Queue().Snapshot()
	return map[string]interface{}{"pending": pending, "terminal": terminal}, nil
}

func (h *Handlers) clearQueue(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p serverKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if eng := h.Supervisor.Engine(p.ServerKey); eng != nil {
		eng.Queue().Clear()
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) getStrategy(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p serverKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	eng := h.Supervisor.Engine(p.ServerKey)
	if eng == nil {
		return map[string]interface{}{"analysis": nil, "phase": ""}, nil
	}
	cfg := eng.Config()
	status := eng.Status()

	nowMs := time.Now().UnixMilli()
	var candidates []decision.Candidate
	if status.LastGameState != nil {
		candidates = decision.RankBuildCandidates(*status.LastGameState, cfg, func(key string) bool {
			return status.IsCoolingDown(key, nowMs)
		})
	}
	return map[string]interface{}{
		"analysis": candidates,
		"phase":    decision.DeterminePhase(cfg),
	}, nil
}

func (h *Handlers) requestScan(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p serverKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	eng := h.Supervisor.Engine(p.ServerKey)
	if eng == nil {
		return nil, fmt.Errorf("transport: %s has no bound engine", p.ServerKey)
	}
	eng.RunCycle(ctx)
	return map[string]bool{"ok": true}, nil
}

type toggleBrowserParams struct {
	Headless *bool `json:"headless,omitempty"`
}

// toggleBrowser records the headless preference and reports it back.
// Actual browser process lifecycle is the external collaborator
// spec.md §1 names ("any authentication/cookie bootstrapping is an
// external handler invoked by the transport"); this binary only tracks
// the flag and reports it here and in getBrowserStatus. Neither openPage
// nor the bridgeRequest payload carries it.
func (h *Handlers) toggleBrowser(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p toggleBrowserParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	h.mu.Lock()
	if p.Headless != nil {
		h.headless = *p.Headless
	}
	headless := h.headless
	h.mu.Unlock()
	return map[string]bool{"headless": headless}, nil
}

func (h *Handlers) getBrowserStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	h.mu.Lock()
	headless := h.headless
	open := make([]string, 0, len(h.pages))
	for k := range h.pages {
		open = append(open, k)
	}
	h.mu.Unlock()
	return map[string]interface{}{"headless": headless, "openPages": open}, nil
}

type openPageParams struct {
	ServerKey string `json:"serverKey"`
	URL       string `json:"url,omitempty"`
}

// openPage asks the frontend (over the same stdio channel, via an
// "openPageRequested" event) to open or focus serverKey's page,
// then binds a PageConn relaying future SCAN/EXECUTE traffic for it.
func (h *Handlers) openPage(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p openPageParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ServerKey == "" {
		return nil, fmt.Errorf("transport: openPage requires serverKey")
	}

	h.mu.Lock()
	pc, exists := h.pages[p.ServerKey]
	if !exists {
		pc = NewPageConn(p.ServerKey, h.Server)
		h.pages[p.ServerKey] = pc
	}
	h.mu.Unlock()

	h.Supervisor.BindPage(p.ServerKey, pc)
	if err := h.Server.Emit("openPageRequested", map[string]string{"serverKey": p.ServerKey, "url": p.URL}); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) closePage(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p serverKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	h.mu.Lock()
	pc, exists := h.pages[p.ServerKey]
	if exists {
		delete(h.pages, p.ServerKey)
	}
	h.mu.Unlock()
	if !exists {
		return map[string]bool{"ok": true}, nil
	}

	_ = pc.Close()
	h.Supervisor.Remove(p.ServerKey)
	return map[string]bool{"ok": true}, nil
}

type importChromeCookiesParams struct {
	HostLike string `json:"hostLike,omitempty"`
}

// importChromeCookies and setCookies both delegate the actual credential
// material to the frontend via a bridgeRequest-style Event — this binary
// never reads or stores cookie values itself, per spec.md §1's
// authentication non-goal.
func (h *Handlers) importChromeCookies(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p importChromeCookiesParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := h.Server.Emit("importChromeCookiesRequested", p); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type setCookiesParams struct {
	ServerKey string          `json:"serverKey"`
	Cookies   json.RawMessage `json:"cookies"`
}

func (h *Handlers) setCookies(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p setCookiesParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := h.Server.Emit("setCookiesRequested", p); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type villageConfigParams struct {
	ServerKey string                          `json:"serverKey"`
	Targets   map[string]config.UpgradeTarget `json:"upgradeTargets,omitempty"`
}

func (h *Handlers) getVillageConfig(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p serverKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	cfg := h.Supervisor.Config(p.ServerKey)
	return cfg.UpgradeTargets, nil
}

func (h *Handlers) saveVillageConfig(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p villageConfigParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	cfg := h.Supervisor.Config(p.ServerKey)
	cfg.UpgradeTargets = p.Targets
	if err := h.Supervisor.SaveConfig(p.ServerKey, cfg); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) getFarmTargets(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p serverKeyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return h.Supervisor.Config(p.ServerKey).Farm, nil
}

type saveFarmTargetsParams struct {
	ServerKey string      `json:"serverKey"`
	Farm      config.Farm `json:"farm"`
}

func (h *Handlers) saveFarmTargets(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p saveFarmTargetsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	cfg := h.Supervisor.Config(p.ServerKey)
	cfg.Farm = p.Farm
	if err := h.Supervisor.SaveConfig(p.ServerKey, cfg); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) shutdown(ctx context.Context, params json.RawMessage) (interface{}, error) {
	h.Supervisor.StopAll()
	return map[string]bool{"ok": true}, nil
}
