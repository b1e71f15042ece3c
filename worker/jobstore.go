package worker

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Statuts d'un job worker. completed et failed sont terminaux.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job est l'état en mémoire d'une transcription suivie par le worker.
type Job struct {
	JobID          string
	Status         string
	ProgressStep   string
	ProgressDetail string
	StartedAt      time.Time
	CompletedAt    time.Time
	Result         json.RawMessage
	Error          string
}

// JobStore garde le job courant plus les N derniers jobs terminés. L'état ne
// survit pas à un redémarrage : le frontend traduit un 404 de polling en
// échec définitif.
type JobStore struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	historySize int
}

// NewJobStore crée un store gardant historySize jobs terminés (10 si <= 0).
func NewJobStore(historySize int) *JobStore {
	if historySize <= 0 {
		historySize = 10
	}
	return &JobStore{
		jobs:        make(map[string]*Job),
		historySize: historySize,
	}
}

// Create enregistre un job en statut queued et purge l'historique.
func (s *JobStore) Create(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID] = &Job{JobID: jobID, Status: StatusQueued}
	s.trimLocked()
}

// Get retourne une copie du job, ou false s'il est inconnu.
func (s *JobStore) Get(jobID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// SetProcessing marque le début d'exécution.
func (s *JobStore) SetProcessing(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.Status = StatusProcessing
		j.StartedAt = time.Now()
	}
}

// SetProgress met à jour l'étape courante.
func (s *JobStore) SetProgress(jobID, step, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.ProgressStep = step
		j.ProgressDetail = detail
	}
}

// SetCompleted attache le résultat et clôt le job.
func (s *JobStore) SetCompleted(jobID string, result json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.Status = StatusCompleted
		j.Result = result
		j.CompletedAt = time.Now()
	}
}

// SetFailed enregistre l'erreur et clôt le job.
func (s *JobStore) SetFailed(jobID, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.Status = StatusFailed
		j.Error = errMsg
		j.CompletedAt = time.Now()
	}
}

// trimLocked éjecte les jobs terminés les plus anciens au-delà de
// historySize, par date de complétion. Appelé sous verrou.
func (s *JobStore) trimLocked() {
	var finished []*Job
	for _, j := range s.jobs {
		if j.Status == StatusCompleted || j.Status == StatusFailed {
			finished = append(finished, j)
		}
	}
	if len(finished) <= s.historySize {
		return
	}
	sort.Slice(finished, func(a, b int) bool {
		return finished[a].CompletedAt.Before(finished[b].CompletedAt)
	})
	for _, j := range finished[:len(finished)-s.historySize] {
		delete(s.jobs, j.JobID)
	}
}
