package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SampleResultJSON is a completed analysis as the service returns it.
const SampleResultJSON = `{
	"fluency_score": 78,
	"stuttering_events": [
		{"time": "0:05", "type": "Repetition", "severity": "Mild"},
		{"time": "0:12", "type": "Prolongation", "severity": "Moderate"},
		{"time": "0:28", "type": "Block", "severity": "Severe"}
	],
	"disfluency_types": {"Repetition": 5, "Prolongation": 3, "Block": 2},
	"duration": 45,
	"analysis_details": {"totalWords": 120, "stutteredWords": 10, "speechRate": 2.67, "pauseDuration": 3.2}
}`

// Upload is one multipart submission received by MockService.
type Upload struct {
	TaskID      string
	FormTaskID  string
	UserID      string
	UserDetails string
	FileName    string
	ContentType string
	Size        int
}

// MockService is an httptest analysis service. Status requests walk the
// scripted Statuses per task id, repeating the last entry.
type MockService struct {
	server *httptest.Server

	mu           sync.Mutex
	Statuses     []string
	ResultJSON   string
	UploadStatus int           // 0 means 200
	StatusDelay  time.Duration // holds each status response
	Providers    []map[string]string
	assigned     map[string]string
	uploads      []Upload
	assigns      int
	statusIdx    map[string]int
	lastStatus   map[string]string
	statusCalls  map[string]int
	resultCalls  map[string]int
	authHeaders  []string

	inFlight    int32
	maxInFlight int32
}

// NewMockService starts the service. Its endpoints live under URL().
func NewMockService() *MockService {
	m := &MockService{
		Statuses:    []string{"processing", "completed"},
		ResultJSON:  SampleResultJSON,
		assigned:    map[string]string{},
		statusIdx:   map[string]int{},
		lastStatus:  map[string]string{},
		statusCalls: map[string]int{},
		resultCalls: map[string]int{},
		Providers: []map[string]string{
			{"_id": "slp1", "name": "Dr. Rivera", "email": "rivera@example.com"},
			{"_id": "slp2", "name": "Dr. Okafor", "email": "okafor@example.com"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/slps", m.handleProviders)
	mux.HandleFunc("/api/my_slp/", m.handleAssigned)
	mux.HandleFunc("/api/assign_slp", m.handleAssign)
	mux.HandleFunc("/api/upload_audio/", m.handleUpload)
	mux.HandleFunc("/api/task_status/", m.handleStatus)
	mux.HandleFunc("/api/get_result/", m.handleResult)
	mux.HandleFunc("/api/tasks", m.handleTasks)
	m.server = httptest.NewServer(mux)
	return m
}

// URL is the API base URL.
func (m *MockService) URL() string { return m.server.URL + "/api" }

// Close stops the server.
func (m *MockService) Close() { m.server.Close() }

// SetUploadStatus changes the upload response code while the server runs.
func (m *MockService) SetUploadStatus(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UploadStatus = code
}

// Assign pre-binds a patient to a provider.
func (m *MockService) Assign(patientID, providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assigned[patientID] = providerID
}

// Uploads returns the received uploads in order.
func (m *MockService) Uploads() []Upload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Upload(nil), m.uploads...)
}

// AssignCalls counts POST /assign_slp requests.
func (m *MockService) AssignCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assigns
}

// StatusCalls counts status requests for taskID.
func (m *MockService) StatusCalls(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCalls[taskID]
}

// ResultCalls counts result requests for taskID.
func (m *MockService) ResultCalls(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resultCalls[taskID]
}

// MaxInFlight is the highest number of concurrent status/result requests seen.
func (m *MockService) MaxInFlight() int {
	return int(atomic.LoadInt32(&m.maxInFlight))
}

// AuthHeaders returns the Authorization headers seen so far.
func (m *MockService) AuthHeaders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.authHeaders...)
}

func (m *MockService) track(r *http.Request) func() {
	m.mu.Lock()
	m.authHeaders = append(m.authHeaders, r.Header.Get("Authorization"))
	m.mu.Unlock()
	n := atomic.AddInt32(&m.inFlight, 1)
	for {
		cur := atomic.LoadInt32(&m.maxInFlight)
		if n <= cur || atomic.CompareAndSwapInt32(&m.maxInFlight, cur, n) {
			break
		}
	}
	return func() { atomic.AddInt32(&m.inFlight, -1) }
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (m *MockService) handleProviders(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	providers := m.Providers
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "slps": providers})
}

func (m *MockService) handleAssigned(w http.ResponseWriter, r *http.Request) {
	patient := strings.TrimPrefix(r.URL.Path, "/api/my_slp/")
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.assigned[patient]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"slp": nil})
		return
	}
	for _, p := range m.Providers {
		if p["_id"] == id {
			writeJSON(w, http.StatusOK, map[string]interface{}{"slp": p})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"slp": nil})
}

func (m *MockService) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PatientID string `json:"patient_id"`
		SLPID     string `json:"slp_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PatientID == "" || body.SLPID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing patient_id or slp_id"})
		return
	}
	m.mu.Lock()
	m.assigns++
	m.assigned[body.PatientID] = body.SLPID
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "SLP assigned successfully"})
}

func (m *MockService) handleUpload(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/api/upload_audio/")
	m.mu.Lock()
	m.authHeaders = append(m.authHeaders, r.Header.Get("Authorization"))
	code := m.UploadStatus
	m.mu.Unlock()
	if code == 0 {
		code = http.StatusOK
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No file uploaded"})
		return
	}
	defer f.Close()
	data, _ := io.ReadAll(f)

	m.mu.Lock()
	m.uploads = append(m.uploads, Upload{
		TaskID:      taskID,
		FormTaskID:  r.FormValue("task_id"),
		UserID:      r.FormValue("user_id"),
		UserDetails: r.FormValue("user_details"),
		FileName:    hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Size:        len(data),
	})
	m.mu.Unlock()

	if code != http.StatusOK {
		writeJSON(w, code, map[string]string{"error": "rejected"})
		return
	}
	writeJSON(w, code, map[string]string{"message": "Processing started", "task_id": taskID})
}

func (m *MockService) handleStatus(w http.ResponseWriter, r *http.Request) {
	defer m.track(r)()
	taskID := strings.TrimPrefix(r.URL.Path, "/api/task_status/")

	m.mu.Lock()
	m.statusCalls[taskID]++
	delay := m.StatusDelay
	status := "pending"
	if len(m.Statuses) > 0 {
		i := m.statusIdx[taskID]
		if i >= len(m.Statuses) {
			i = len(m.Statuses) - 1
		}
		status = m.Statuses[i]
		m.statusIdx[taskID] = i + 1
	}
	m.lastStatus[taskID] = status
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": status})
}

func (m *MockService) handleResult(w http.ResponseWriter, r *http.Request) {
	defer m.track(r)()
	taskID := strings.TrimPrefix(r.URL.Path, "/api/get_result/")

	m.mu.Lock()
	m.resultCalls[taskID]++
	status := m.lastStatus[taskID]
	result := m.ResultJSON
	m.mu.Unlock()

	if status != "completed" {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, result)
}

func (m *MockService) handleTasks(w http.ResponseWriter, r *http.Request) {
	slp := r.URL.Query().Get("slp_id")
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := []map[string]string{}
	for _, u := range m.uploads {
		if m.assigned[u.UserID] != slp {
			continue
		}
		status := m.lastStatus[u.TaskID]
		if status == "" {
			status = "processing"
		}
		tasks = append(tasks, map[string]string{"task_id": u.TaskID, "status": status, "user_id": u.UserID})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "count": len(tasks), "tasks": tasks})
}
