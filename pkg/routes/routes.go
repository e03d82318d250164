package routes

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/kabili207/mesh-node-bridge/pkg/bridge"
	"github.com/kabili207/mesh-node-bridge/pkg/config"
	"github.com/kabili207/mesh-node-bridge/pkg/models"
	"github.com/kabili207/mesh-node-bridge/pkg/store"
)

const defaultListLimit = 100

// WebRouter serves the dashboard-facing JSON API and event stream.
type WebRouter struct {
	manager  *bridge.Manager
	stores   *store.Stores
	config   *config.Configuration
	notifier *EventNotifier
}

func NewWebRouter(manager *bridge.Manager, stores *store.Stores, cfg *config.Configuration) *WebRouter {
	wr := &WebRouter{
		manager:  manager,
		stores:   stores,
		config:   cfg,
		notifier: NewEventNotifier(),
	}
	manager.SetMessageHook(wr.onMessage, wr.onDeliveryState)
	return wr
}

func (wr *WebRouter) HandleRequests(listenAddr string) error {
	h := handlers.RecoveryHandler()
	slog.Info("starting web server", "listen_addr", listenAddr)
	return http.ListenAndServe(listenAddr, h(wr.Router()))
}

// Router builds the API route table.
func (wr *WebRouter) Router() *mux.Router {
	myRouter := mux.NewRouter().StrictSlash(true)

	myRouter.HandleFunc("/api/status", wr.getStatus).Methods("GET")
	myRouter.HandleFunc("/api/connect", wr.postConnect).Methods("POST")
	myRouter.HandleFunc("/api/disconnect", wr.postDisconnect).Methods("POST")
	myRouter.HandleFunc("/api/reconnect", wr.postReconnect).Methods("POST")

	myRouter.HandleFunc("/api/messages", wr.getMessages).Methods("GET")
	myRouter.HandleFunc("/api/messages", wr.sendMessage).Methods("POST")

	myRouter.HandleFunc("/api/nodes", wr.getNodes).Methods("GET")
	myRouter.HandleFunc("/api/nodes/{id}", wr.getNode).Methods("GET")
	myRouter.HandleFunc("/api/nodes/{id}", wr.removeNode).Methods("DELETE")
	myRouter.HandleFunc("/api/nodes/{id}/telemetry", wr.getTelemetry).Methods("GET")
	myRouter.HandleFunc("/api/nodes/{id}/traceroute", wr.postTraceroute).Methods("POST")
	myRouter.HandleFunc("/api/nodes/{id}/position-request", wr.postPositionRequest).Methods("POST")
	myRouter.HandleFunc("/api/nodes/{id}/favorite", wr.setFavorite).Methods("POST")
	myRouter.HandleFunc("/api/nodes/{id}/ignore", wr.setIgnored).Methods("POST")

	myRouter.HandleFunc("/api/channels", wr.getChannels).Methods("GET")
	myRouter.HandleFunc("/api/traceroutes", wr.getTraceroutes).Methods("GET")

	myRouter.HandleFunc("/api/config", wr.getMergedConfig).Methods("GET")
	myRouter.HandleFunc("/api/config/{section}", wr.getConfigSection).Methods("GET")
	myRouter.HandleFunc("/api/config/device", wr.setDeviceConfig).Methods("POST")
	myRouter.HandleFunc("/api/config/lora", wr.setLoraConfig).Methods("POST")
	myRouter.HandleFunc("/api/config/position", wr.setPositionConfig).Methods("POST")
	myRouter.HandleFunc("/api/config/mqtt", wr.setMQTTConfig).Methods("POST")
	myRouter.HandleFunc("/api/config/neighbor-info", wr.setNeighborInfoConfig).Methods("POST")

	myRouter.HandleFunc("/api/device/reboot", wr.postReboot).Methods("POST")
	myRouter.HandleFunc("/api/device/purge-nodedb", wr.postPurgeNodeDB).Methods("POST")
	myRouter.HandleFunc("/api/device/stats-request", wr.postStatsRequest).Methods("POST")
	myRouter.HandleFunc("/api/device/announce", wr.postAnnounce).Methods("POST")

	myRouter.HandleFunc("/api/events", wr.eventsSSE).Methods("GET")

	myRouter.Use(handlers.ProxyHeaders)
	myRouter.Use(RequestLogger)

	return myRouter
}

func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Info("endpoint hit",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_host", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

type okResponse struct {
	Success bool `json:"success"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

var protoDecoder = protojson.UnmarshalOptions{DiscardUnknown: true}

// decodeProto reads a protojson body into msg, writing a 400 response
// and returning false if the body does not parse.
func decodeProto(w http.ResponseWriter, r *http.Request, msg proto.Message) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return false
	}
	if err := protoDecoder.Unmarshal(body, msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// nodeNumParam resolves the {id} path variable, accepting either the
// "!hex" node ID form or a bare decimal node number.
func nodeNumParam(r *http.Request) (uint32, error) {
	id := mux.Vars(r)["id"]
	if num, err := models.NodeNumFromID(id); err == nil {
		return num, nil
	}
	num, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(num), nil
}

func limitParam(r *http.Request) int {
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	return limit
}

type statusResponse struct {
	models.ConnectionStatus
	Local *bridge.LocalIdentity `json:"local,omitempty"`
}

func (wr *WebRouter) getStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{ConnectionStatus: wr.manager.Status()}
	if local, ok := wr.manager.LocalIdentity(); ok {
		resp.Local = &local
	}
	writeJSON(w, http.StatusOK, resp)
}

func (wr *WebRouter) postConnect(w http.ResponseWriter, r *http.Request) {
	wr.manager.Connect()
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (wr *WebRouter) postDisconnect(w http.ResponseWriter, r *http.Request) {
	wr.manager.Disconnect()
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (wr *WebRouter) postReconnect(w http.ResponseWriter, r *http.Request) {
	wr.manager.Reconnect()
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

type sendMessageRequest struct {
	Text        string `json:"text"`
	Destination string `json:"destination"`
	Channel     int    `json:"channel"`
	ReplyID     uint32 `json:"reply_id"`
	Emoji       bool   `json:"emoji"`
}

type sendMessageResponse struct {
	MessageID string `json:"message_id"`
}

func (wr *WebRouter) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	id, err := wr.manager.SendText(req.Text, req.Destination, req.Channel, req.ReplyID, req.Emoji)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, sendMessageResponse{MessageID: id})
}

func (wr *WebRouter) getMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := wr.stores.Messages.GetRecent(limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (wr *WebRouter) getNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := wr.stores.Nodes.GetAllNodes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (wr *WebRouter) getNode(w http.ResponseWriter, r *http.Request) {
	num, err := nodeNumParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	node, err := wr.stores.Nodes.GetNode(num)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if node == nil {
		http.Error(w, "Node not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (wr *WebRouter) getTelemetry(w http.ResponseWriter, r *http.Request) {
	num, err := nodeNumParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sampleType := r.URL.Query().Get("type")
	if sampleType == "" {
		sampleType = "device"
	}
	samples, err := wr.stores.Telemetry.GetSamples(models.NodeIDFromNum(num), sampleType, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (wr *WebRouter) postTraceroute(w http.ResponseWriter, r *http.Request) {
	num, err := nodeNumParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := wr.manager.SendTraceroute(num); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (wr *WebRouter) postPositionRequest(w http.ResponseWriter, r *http.Request) {
	num, err := nodeNumParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := wr.manager.SendPositionRequest(num); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

type flagRequest struct {
	Favorite bool `json:"favorite"`
	Ignored  bool `json:"ignored"`
}

func (wr *WebRouter) setFavorite(w http.ResponseWriter, r *http.Request) {
	num, err := nodeNumParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req flagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := wr.manager.SetFavorite(num, req.Favorite); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (wr *WebRouter) setIgnored(w http.ResponseWriter, r *http.Request) {
	num, err := nodeNumParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req flagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := wr.manager.SetIgnored(num, req.Ignored); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (wr *WebRouter) removeNode(w http.ResponseWriter, r *http.Request) {
	num, err := nodeNumParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := wr.manager.RemoveNode(num); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (wr *WebRouter) getChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := wr.stores.Channels.GetAllChannels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (wr *WebRouter) getTraceroutes(w http.ResponseWriter, r *http.Request) {
	routes, err := wr.stores.Traceroutes.GetRecent(limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, routes)
}

func (wr *WebRouter) getMergedConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wr.manager.MergedConfig())
}

// configDest resolves the optional ?node= query parameter; absent means
// the local radio. Remote nodes go through the session-passkey flow.
func (wr *WebRouter) configDest(r *http.Request) (uint32, error) {
	if s := r.URL.Query().Get("node"); s != "" {
		if num, err := models.NodeNumFromID(s); err == nil {
			return num, nil
		}
		num, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return 0, err
		}
		return uint32(num), nil
	}
	local, ok := wr.manager.LocalIdentity()
	if !ok {
		return 0, errLocalUnknown
	}
	return local.NodeNum, nil
}

var errLocalUnknown = errors.New("local node identity is not known yet")

func writeProto(w http.ResponseWriter, msg proto.Message) {
	body, err := protojson.Marshal(msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// getConfigSection fetches one live config section from the radio (or a
// remote node), as opposed to the merged cache at /api/config.
func (wr *WebRouter) getConfigSection(w http.ResponseWriter, r *http.Request) {
	dest, err := wr.configDest(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errLocalUnknown) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	switch mux.Vars(r)["section"] {
	case "device":
		wr.respondConfig(w, dest, pb.AdminMessage_DEVICE_CONFIG)
	case "lora":
		wr.respondConfig(w, dest, pb.AdminMessage_LORA_CONFIG)
	case "position":
		wr.respondConfig(w, dest, pb.AdminMessage_POSITION_CONFIG)
	case "mqtt":
		wr.respondModuleConfig(w, dest, pb.AdminMessage_MQTT_CONFIG)
	case "neighbor-info":
		wr.respondModuleConfig(w, dest, pb.AdminMessage_NEIGHBORINFO_CONFIG)
	default:
		http.Error(w, "Unknown config section", http.StatusNotFound)
	}
}

func (wr *WebRouter) respondConfig(w http.ResponseWriter, dest uint32, t pb.AdminMessage_ConfigType) {
	cfg, err := wr.manager.GetConfig(dest, t)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeProto(w, cfg)
}

func (wr *WebRouter) respondModuleConfig(w http.ResponseWriter, dest uint32, t pb.AdminMessage_ModuleConfigType) {
	cfg, err := wr.manager.GetModuleConfig(dest, t)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeProto(w, cfg)
}

func (wr *WebRouter) setDeviceConfig(w http.ResponseWriter, r *http.Request) {
	var cfg pb.Config_DeviceConfig
	if !decodeProto(w, r, &cfg) {
		return
	}
	if err := wr.manager.SetDeviceConfig(&cfg); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (wr *WebRouter) setLoraConfig(w http.ResponseWriter, r *http.Request) {
	var cfg pb.Config_LoRaConfig
	if !decodeProto(w, r, &cfg) {
		return
	}
	if err := wr.manager.SetLoraConfig(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (wr *WebRouter) setPositionConfig(w http.ResponseWriter, r *http.Request) {
	var cfg pb.Config_PositionConfig
	if !decodeProto(w, r, &cfg) {
		return
	}
	if err := wr.manager.SetPositionConfig(&cfg); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (wr *WebRouter) setMQTTConfig(w http.ResponseWriter, r *http.Request) {
	var cfg pb.ModuleConfig_MQTTConfig
	if !decodeProto(w, r, &cfg) {
		return
	}
	if err := wr.manager.SetMQTTConfig(&cfg); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (wr *WebRouter) setNeighborInfoConfig(w http.ResponseWriter, r *http.Request) {
	var cfg pb.ModuleConfig_NeighborInfoConfig
	if !decodeProto(w, r, &cfg) {
		return
	}
	if err := wr.manager.SetNeighborInfoConfig(&cfg); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (wr *WebRouter) postReboot(w http.ResponseWriter, r *http.Request) {
	if err := wr.manager.Reboot(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (wr *WebRouter) postPurgeNodeDB(w http.ResponseWriter, r *http.Request) {
	if err := wr.manager.PurgeNodeDB(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (wr *WebRouter) postStatsRequest(w http.ResponseWriter, r *http.Request) {
	if err := wr.manager.RequestStats(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (wr *WebRouter) postAnnounce(w http.ResponseWriter, r *http.Request) {
	wr.manager.Announce(false)
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}
