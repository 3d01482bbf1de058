package handlers

import (
	"context"
	"errors"
	"sync"

	"github.com/anyfileflow/flow-assistant/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrPanelNotFound is returned for an unknown or closed panel.
	ErrPanelNotFound = errors.New("panel not found")
	// ErrPanelBusy is returned when a message is sent while the previous answer is still streaming.
	ErrPanelBusy = errors.New("panel is busy")
)

// panel is one assistant chat window. At most one send is in flight per panel.
type panel struct {
	id         string
	transcript *models.Transcript

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// begin reserves the panel for one send. The returned context is canceled when the panel closes; release
// must be called once the send is over.
func (p *panel) begin(parent context.Context) (context.Context, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, ErrPanelNotFound
	}
	if p.cancel != nil {
		return nil, nil, ErrPanelBusy
	}

	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	release := func() {
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
		cancel()
	}
	return ctx, release, nil
}

func (p *panel) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
}

type panelRegistry struct {
	mu     sync.RWMutex
	panels map[string]*panel
}

func newPanelRegistry() *panelRegistry {
	return &panelRegistry{panels: make(map[string]*panel)}
}

func (r *panelRegistry) create() *panel {
	p := &panel{
		id:         uuid.New().String(),
		transcript: models.NewTranscript(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.panels[p.id] = p
	return p
}

func (r *panelRegistry) get(id string) (*panel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.panels[id]
	return p, ok
}

func (r *panelRegistry) remove(id string) bool {
	r.mu.Lock()
	p, ok := r.panels[id]
	delete(r.panels, id)
	r.mu.Unlock()

	if ok {
		p.close()
	}
	return ok
}

func (r *panelRegistry) closeAll() int {
	r.mu.Lock()
	panels := r.panels
	r.panels = make(map[string]*panel)
	r.mu.Unlock()

	for _, p := range panels {
		p.close()
	}
	return len(panels)
}
