package server

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pagpeter/redirector/pkg/http"
	"github.com/pagpeter/redirector/pkg/types"
	"github.com/pagpeter/redirector/pkg/utils"
)

const Version = "1.0.0"

// State holds what the collaborators around the reactor share.
type State struct {
	Config          *types.Config
	TCPFingerprints sync.Map
	Blocked         utils.BlockList
}

// Server is the immutable redirect configuration: the match table, the
// response template and the block list. It is built once at startup and read
// by the reactor without synchronisation.
type Server struct {
	State  *State
	router *Router
	tpl    *http.Template
}

// NewServer validates cfg and prepares everything the reactor reads.
func NewServer(cfg *types.Config) (*Server, error) {
	router, err := BuildRouter(cfg)
	if err != nil {
		return nil, err
	}
	tpl, err := http.NewTemplate(cfg.Status(), ServerID(cfg))
	if err != nil {
		return nil, err
	}

	blocked := utils.BlockList{}
	if cfg.BlockList != "" {
		blocked, err = utils.LoadBlockList(cfg.BlockList)
		if err != nil {
			return nil, fmt.Errorf("block list: %w", err)
		}
	}

	return &Server{
		State: &State{
			Config:  cfg,
			Blocked: blocked,
		},
		router: router,
		tpl:    tpl,
	}, nil
}

// ServerID is the value of the Server response header.
func ServerID(cfg *types.Config) string {
	if cfg.ServerName != "" {
		return cfg.ServerName
	}
	return "redirector/" + Version
}

// GetConfig returns the loaded configuration
func (s *Server) GetConfig() *types.Config {
	return s.State.Config
}

// GetTCPFingerprints returns the TCP fingerprints map
func (s *Server) GetTCPFingerprints() *sync.Map {
	return &s.State.TCPFingerprints
}

// LookupTCPFingerprint returns what the sniffer recorded for ip:port, if anything.
func (s *Server) LookupTCPFingerprint(ip string, port int) (types.TCPIPDetails, bool) {
	v, ok := s.State.TCPFingerprints.Load(net.JoinHostPort(ip, strconv.Itoa(port)))
	if !ok {
		return types.TCPIPDetails{}, false
	}
	return v.(types.TCPIPDetails), true
}

// PruneTCPFingerprints forgets fingerprints captured before cutoff and
// returns how many were removed. Peers whose SYN never turned into a request
// would otherwise stay in the map forever.
func (s *Server) PruneTCPFingerprints(cutoff time.Time) int {
	n := 0
	limit := cutoff.Unix()
	s.State.TCPFingerprints.Range(func(k, v any) bool {
		if v.(types.TCPIPDetails).Seen < limit {
			s.State.TCPFingerprints.Delete(k)
			n++
		}
		return true
	})
	return n
}

func (s *Server) Router() *Router { return s.router }

func (s *Server) Template() *http.Template { return s.tpl }

// Banner describes what the server does, for the startup log.
func (s *Server) Banner() string {
	cfg := s.GetConfig()
	mode := "temporarily (302)"
	if cfg.Permanent {
		mode = "permanently (301)"
	}
	suffix := ""
	if s.router.AppendDefault() {
		suffix = "</path>"
	}
	return fmt.Sprintf("Redirecting %s port %d requests to %s%s (%d rules)",
		mode, cfg.HTTPPort, s.router.DefaultTarget(), suffix, len(s.router.Rules()))
}
