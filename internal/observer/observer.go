// Package observer provides a logrus-backed dnswalk.Observer, emitting one
// structured log entry per lifecycle event, in the style of solvere's
// queryLog/lookupLog summaries.
package observer

import (
	"github.com/sirupsen/logrus"

	"github.com/dnswalk/dnswalk"
)

// LogObserver logs every main and resolve stage transition at the
// configured level. ShowProgress gates main-stage logging; ShowResolves
// gates resolve-stage logging, matching the CLI's --show-progress and
// --show-resolves flags.
type LogObserver struct {
	Log          *logrus.Logger
	ShowProgress bool
	ShowResolves bool
}

// New builds a LogObserver writing through log.
func New(log *logrus.Logger, showProgress, showResolves bool) *LogObserver {
	return &LogObserver{Log: log, ShowProgress: showProgress, ShowResolves: showResolves}
}

func (o *LogObserver) Main(stage dnswalk.MainStage, r *dnswalk.Referral) {
	if !o.ShowProgress || r == nil {
		return
	}
	entry := o.Log.WithFields(logrus.Fields{
		"refid":     r.RefID,
		"stage":     string(stage),
		"query":     r.Query.String(),
		"bailiwick": r.Bailiwick,
		"server":    r.ServerName,
		"depth":     r.Depth,
		"state":     r.State.String(),
	})
	switch stage {
	case dnswalk.StageAnswer, dnswalk.StageAnswerFast:
		entry.Info("referral resolved")
	case dnswalk.StageStart:
		entry.Info("referral expansion started")
	case dnswalk.StageNewReferralSet:
		entry.WithField("children", len(r.Children)).Debug("referral set produced")
	}
}

func (o *LogObserver) Resolve(stage dnswalk.ResolveStage, name string, depth int) {
	if !o.ShowResolves {
		return
	}
	o.Log.WithFields(logrus.Fields{
		"stage": string(stage),
		"name":  name,
		"depth": depth,
	}).Info("resolving server name")
}
