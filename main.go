package main

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/oopDaniel/raftkv/config"
	"github.com/oopDaniel/raftkv/kv"
	"github.com/oopDaniel/raftkv/raft"
	"github.com/pkg/errors"
	"github.com/skratchdot/open-golang/open"
)

const requestTimeout = 5 * time.Second

type Message struct {
	Msg string
}

type ReplyValue struct {
	Value string
}

type KeyValue struct {
	Key   string
	Value string
}

type NodeStatus struct {
	ID          string
	Role        string
	Term        uint64
	Leader      string
	LastIndex   uint64
	CommitIndex uint64
	LastApplied uint64
	Alive       bool
}

type Server struct {
	clerk   *kv.Clerk
	cluster Cluster
	router  *mux.Router
	logger  hclog.Logger
}

func main() {
	var (
		configPath = flag.String("config", "", "node config file; without it a demo cluster runs in-process")
		httpAddr   = flag.String("http", "", "gateway address, overrides http_addr")
		nodes      = flag.Int("nodes", 5, "demo cluster size")
		openUI     = flag.Bool("open", false, "open the status page in a browser")
	)
	flag.Parse()

	if err := run(*configPath, *httpAddr, *nodes, *openUI); err != nil {
		hclog.Default().Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath, httpAddr string, nodes int, openUI bool) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	logger := cfg.Logger("raftkv")

	var (
		cluster Cluster
		err     error
	)
	if configPath == "" {
		logger.Info("starting demo cluster", "nodes", nodes)
		cluster, err = newDemoCluster(nodes, logger)
	} else {
		logger.Info("starting node", "id", cfg.ID, "raft_addr", cfg.RaftAddr, "data_dir", cfg.DataDir)
		cluster, err = newNodeCluster(cfg, logger)
	}
	if err != nil {
		return err
	}
	defer cluster.Close()

	sv := newServer(cluster, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: sv.handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.HTTPAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	if openUI {
		if err := open.Run(statusURL(cfg.HTTPAddr)); err != nil {
			logger.Warn("could not open browser", "error", err)
		}
	}

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http")
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func statusURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://localhost:8080/status"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/status"
}

func newServer(cluster Cluster, logger hclog.Logger) *Server {
	var servers []raft.NodeID
	for _, id := range cluster.Machines() {
		servers = append(servers, raft.NodeID(id))
	}

	sv := &Server{
		clerk:   kv.MakeClerk(cluster.Submitter(), servers, logger),
		cluster: cluster,
		router:  mux.NewRouter().StrictSlash(true),
		logger:  logger.Named("http"),
	}

	sv.router.HandleFunc("/state", sv.getState).Methods("GET").Queries("key", "{key}")
	sv.router.HandleFunc("/state", sv.setState).Methods("POST")
	sv.router.HandleFunc("/state/{key}", sv.deleteState).Methods("DELETE")
	sv.router.HandleFunc("/machines/all", sv.getMachineByAction("all")).Methods("GET")
	sv.router.HandleFunc("/machines/alive", sv.getMachineByAction("alive")).Methods("GET")
	sv.router.HandleFunc("/machine/{id}", sv.setMachine).Methods("DELETE")
	sv.router.HandleFunc("/machine/{id}", sv.setMachine).Methods("POST")
	sv.router.HandleFunc("/status", sv.getStatus).Methods("GET")
	return sv
}

// handler wraps the router with CORS and access logging.
func (sv *Server) handler() http.Handler {
	originsOk := handlers.AllowedOrigins([]string{"*"})
	headersOk := handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type"})
	methodsOk := handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"})

	access := sv.logger.StandardWriter(&hclog.StandardLoggerOptions{ForceLevel: hclog.Debug})
	return handlers.LoggingHandler(access, handlers.CORS(originsOk, headersOk, methodsOk)(sv.router))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (sv *Server) getState(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	value, err := sv.clerk.Get(ctx, key)
	switch {
	case err == nil, err == kv.ErrNoKey:
		writeJSON(w, http.StatusOK, ReplyValue{value})
	default:
		sv.logger.Warn("get failed", "key", key, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, Message{err.Error()})
	}
}

func (sv *Server) setState(w http.ResponseWriter, r *http.Request) {
	var data KeyValue
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil || data.Key == "" {
		writeJSON(w, http.StatusBadRequest, Message{"Error decoding"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := sv.clerk.Put(ctx, data.Key, data.Value); err != nil {
		sv.logger.Warn("put failed", "key", data.Key, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, Message{err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Message{"Done"})
}

func (sv *Server) deleteState(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := sv.clerk.Delete(ctx, key); err != nil {
		sv.logger.Warn("delete failed", "key", key, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, Message{err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Message{"Done"})
}

func (sv *Server) getMachineByAction(category string) func(http.ResponseWriter, *http.Request) {
	switch category {
	case "all":
		return func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, sv.cluster.Machines())
		}
	case "alive":
		return func(w http.ResponseWriter, r *http.Request) {
			machines := sv.cluster.Machines()
			alive := make([]string, 0, len(machines))
			for _, machine := range machines {
				if sv.cluster.Alive(machine) {
					alive = append(alive, machine)
				}
			}
			writeJSON(w, http.StatusOK, alive)
		}
	default:
		return func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, Message{"Unknown category"})
		}
	}
}

func (sv *Server) setMachine(w http.ResponseWriter, r *http.Request) {
	id := strings.ToUpper(mux.Vars(r)["id"])

	err := sv.cluster.SetAlive(id, r.Method == http.MethodPost)
	switch {
	case err == nil:
		sv.logger.Info("machine toggled", "id", id, "alive", r.Method == http.MethodPost)
		writeJSON(w, http.StatusOK, Message{"Done"})
	case errors.Cause(err) == errNotManaged:
		writeJSON(w, http.StatusNotImplemented, Message{err.Error()})
	default:
		writeJSON(w, http.StatusNotFound, Message{err.Error()})
	}
}

func (sv *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	statuses := sv.cluster.Statuses()
	out := make([]NodeStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, NodeStatus{
			ID:          string(s.ID),
			Role:        s.Role.String(),
			Term:        uint64(s.Term),
			Leader:      string(s.LeaderID),
			LastIndex:   uint64(s.LastIndex),
			CommitIndex: uint64(s.CommitIndex),
			LastApplied: uint64(s.LastApplied),
			Alive:       sv.cluster.Alive(string(s.ID)),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
