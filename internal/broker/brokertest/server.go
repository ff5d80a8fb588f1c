// Package brokertest 提供进程内的假 broker，按 broker 包的线上协议应答
package brokertest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"overlord/internal/broker"
	"overlord/pkg/model"
)

// DefaultLifetime 新分配或续期后的剩余秒数
const DefaultLifetime = 7 * 24 * 3600

type userKey struct{}

type held struct {
	vessel broker.Vessel
	kind   model.VesselType
	owner  string
}

type failure struct {
	status  int
	kind    error
	message string
}

// Server 假 broker。只有 Register 过的用户可以访问
type Server struct {
	URL string

	srv *httptest.Server

	mu         sync.Mutex
	users      map[string]string
	available  map[model.VesselType][]broker.Vessel
	acquired   map[model.VesselHandle]*held
	maxVessels int
	userPort   int
	calls      map[string]int
	renewed    map[model.VesselHandle]int
	failNext   map[string]failure
}

// Start 启动假 broker，测试结束时关闭
func Start(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		users:      make(map[string]string),
		available:  make(map[model.VesselType][]broker.Vessel),
		acquired:   make(map[model.VesselHandle]*held),
		maxVessels: 10,
		userPort:   63100,
		calls:      make(map[string]int),
		renewed:    make(map[model.VesselHandle]int),
		failNext:   make(map[string]failure),
	}

	r := mux.NewRouter()
	r.Use(s.authenticate)
	r.HandleFunc(broker.PathAcquire, s.acquire).Methods(http.MethodPost)
	r.HandleFunc(broker.PathAcquireSpecific, s.acquireSpecific).Methods(http.MethodPost)
	r.HandleFunc(broker.PathRelease, s.release).Methods(http.MethodPost)
	r.HandleFunc(broker.PathRenew, s.renew).Methods(http.MethodPost)
	r.HandleFunc(broker.PathResources, s.resources).Methods(http.MethodGet)
	r.HandleFunc(broker.PathAccount, s.account).Methods(http.MethodGet)

	s.srv = httptest.NewServer(r)
	s.URL = s.srv.URL
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Close() { s.srv.Close() }

// Register 允许该身份访问
func (s *Server) Register(id *model.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id.Username] = id.PublicKeyString()
}

// NewVessel 构造一条指向 location 上节点的 vessel 记录
func NewVessel(nodeID model.NodeID, location model.NodeLocation, name string) broker.Vessel {
	return broker.Vessel{
		Handle:     model.NewVesselHandle(nodeID, name),
		NodeID:     nodeID,
		NodeIP:     location.Host(),
		NodePort:   location.Port(),
		VesselName: name,
	}
}

// AddAvailable 把 vessel 放进某类型的可分配池
func (s *Server) AddAvailable(kind model.VesselType, vessels ...broker.Vessel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available[kind] = append(s.available[kind], vessels...)
}

func (s *Server) SetMaxVessels(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxVessels = n
}

func (s *Server) SetUserPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userPort = port
}

// FailNext 让 path 的下一次请求以给定状态码和错误种类失败
func (s *Server) FailNext(path string, status int, kind error, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[path] = failure{status: status, kind: kind, message: message}
}

// Expire 模拟 vessel 过期：从已分配集合中移除，不放回池
func (s *Server) Expire(h model.VesselHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.acquired, h)
}

// Acquired 当前已分配的 handle，按字典序
func (s *Server) Acquired() []model.VesselHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.VesselHandle, 0, len(s.acquired))
	for h := range s.acquired {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Calls 某个路径收到的请求数 (包括认证失败的)
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// Renewals 某个 vessel 被续期的次数
func (s *Server) Renewals(h model.VesselHandle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewed[h]
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, broker.ErrBrokerInvalidRequest, err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		s.mu.Lock()
		s.calls[r.URL.Path]++
		f, failing := s.failNext[r.URL.Path]
		delete(s.failNext, r.URL.Path)
		s.mu.Unlock()
		if failing {
			writeError(w, f.status, f.kind, f.message)
			return
		}

		username, publicKey, err := broker.VerifyRequest(r, body, time.Now())
		if err != nil {
			writeError(w, http.StatusUnauthorized, broker.ErrBrokerAuthentication, err.Error())
			return
		}
		s.mu.Lock()
		registered, ok := s.users[username]
		s.mu.Unlock()
		if !ok || registered != publicKey {
			writeError(w, http.StatusForbidden, broker.ErrBrokerAuthentication, "unknown user or key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, username)))
	})
}

func (s *Server) acquire(w http.ResponseWriter, r *http.Request) {
	var req broker.AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Type.Valid() || req.Count <= 0 {
		writeError(w, http.StatusBadRequest, broker.ErrBrokerInvalidRequest, "bad acquire request")
		return
	}
	user := r.Context().Value(userKey{}).(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held(user)+req.Count > s.maxVessels {
		writeError(w, http.StatusPaymentRequired, broker.ErrNotEnoughCredits,
			fmt.Sprintf("account allows %d vessels", s.maxVessels))
		return
	}

	pools := []model.VesselType{req.Type}
	if req.Type == model.VesselTypeRand {
		pools = []model.VesselType{model.VesselTypeWAN, model.VesselTypeLAN, model.VesselTypeNAT, model.VesselTypeRand}
	}
	total := 0
	for _, p := range pools {
		total += len(s.available[p])
	}
	if total < req.Count {
		writeError(w, http.StatusConflict, broker.ErrUnableToAcquire,
			fmt.Sprintf("only %d %s vessels available", total, req.Type))
		return
	}

	var got []broker.Vessel
	for _, p := range pools {
		for len(got) < req.Count && len(s.available[p]) > 0 {
			v := s.available[p][0]
			s.available[p] = s.available[p][1:]
			got = append(got, s.take(v, p, user))
		}
	}
	writeJSON(w, http.StatusOK, broker.VesselsResponse{Vessels: got})
}

func (s *Server) acquireSpecific(w http.ResponseWriter, r *http.Request) {
	var req broker.HandlesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, broker.ErrBrokerInvalidRequest, "bad acquire request")
		return
	}
	user := r.Context().Value(userKey{}).(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held(user)+len(req.Handles) > s.maxVessels {
		writeError(w, http.StatusPaymentRequired, broker.ErrNotEnoughCredits,
			fmt.Sprintf("account allows %d vessels", s.maxVessels))
		return
	}
	got := []broker.Vessel{}
	for _, h := range req.Handles {
		for kind, pool := range s.available {
			for i, v := range pool {
				if v.Handle != h {
					continue
				}
				s.available[kind] = append(pool[:i:i], pool[i+1:]...)
				got = append(got, s.take(v, kind, user))
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, broker.VesselsResponse{Vessels: got})
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	s.withOwned(w, r, func(h *held) {
		delete(s.acquired, h.vessel.Handle)
		s.available[h.kind] = append(s.available[h.kind], h.vessel)
	})
}

func (s *Server) renew(w http.ResponseWriter, r *http.Request) {
	s.withOwned(w, r, func(h *held) {
		h.vessel.ExpiresInSeconds = DefaultLifetime
		s.renewed[h.vessel.Handle]++
	})
}

// withOwned 所有 handle 都属于当前用户时才对每个执行 fn
func (s *Server) withOwned(w http.ResponseWriter, r *http.Request, fn func(*held)) {
	var req broker.HandlesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, broker.ErrBrokerInvalidRequest, "bad handle list")
		return
	}
	user := r.Context().Value(userKey{}).(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range req.Handles {
		entry, ok := s.acquired[h]
		if !ok || entry.owner != user {
			writeError(w, http.StatusBadRequest, broker.ErrBrokerInvalidRequest,
				fmt.Sprintf("vessel %s is not held by %s", h, user))
			return
		}
	}
	for _, h := range req.Handles {
		fn(s.acquired[h])
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) resources(w http.ResponseWriter, r *http.Request) {
	user := r.Context().Value(userKey{}).(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []broker.Vessel{}
	for _, h := range s.acquired {
		if h.owner == user {
			out = append(out, h.vessel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	writeJSON(w, http.StatusOK, broker.VesselsResponse{Vessels: out})
}

func (s *Server) account(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, model.AccountInfo{MaxVessels: s.maxVessels, UserPort: s.userPort})
}

// take 调用方持有锁
func (s *Server) take(v broker.Vessel, kind model.VesselType, user string) broker.Vessel {
	if v.Handle == "" {
		v.Handle = model.NewVesselHandle(v.NodeID, v.VesselName)
	}
	v.ExpiresInSeconds = DefaultLifetime
	s.acquired[v.Handle] = &held{vessel: v, kind: kind, owner: user}
	return v
}

func (s *Server) held(user string) int {
	n := 0
	for _, h := range s.acquired {
		if h.owner == user {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind error, message string) {
	writeJSON(w, status, broker.ErrorResponse{Kind: broker.KindName(kind), Error: message})
}
