package selector

import (
	"errors"
	"sort"
	"time"

	"github.com/kalder/reach/internal/campaign"
	"github.com/kalder/reach/internal/channel"
	"github.com/kalder/reach/internal/recipient"
)

// ErrNoViableChannel means no enabled channel has a contact address.
var ErrNoViableChannel = errors.New("no viable channel")

// Weights controls the contribution of each scoring factor. They are
// expected to sum to 1.0; the total score is capped there regardless.
type Weights struct {
	CustomerType float64 `yaml:"customer_type"`
	Engagement   float64 `yaml:"engagement"`
	Device       float64 `yaml:"device"`
	Urgency      float64 `yaml:"urgency"`
	TimeOfDay    float64 `yaml:"time_of_day"`
}

// DefaultWeights returns the stock factor weighting.
func DefaultWeights() Weights {
	return Weights{
		CustomerType: 0.30,
		Engagement:   0.30,
		Device:       0.20,
		Urgency:      0.10,
		TimeOfDay:    0.10,
	}
}

func (w Weights) zero() bool {
	return w.CustomerType == 0 && w.Engagement == 0 && w.Device == 0 && w.Urgency == 0 && w.TimeOfDay == 0
}

// tieEpsilon is the score gap below which two channels are
// considered tied and the preference chain decides.
const tieEpsilon = 0.01

// Result is the selection outcome for one recipient.
type Result struct {
	Channel   channel.Channel             `json:"channel"`
	Score     float64                     `json:"score"`
	Reason    string                      `json:"reason"`
	AllScores map[channel.Channel]float64 `json:"all_scores"`

	// Fallbacks are alternate viable channels in ranked order,
	// excluding the selected one.
	Fallbacks []channel.Channel `json:"fallbacks,omitempty"`
}

// Selector scores viable channels and picks the best fit. It holds no
// mutable state and is safe for concurrent use.
type Selector struct {
	weights      Weights
	maxFallbacks int
	now          func() time.Time
}

// New creates a selector. Zero weights fall back to DefaultWeights;
// now may be nil for wall-clock time.
func New(weights Weights, maxFallbacks int, now func() time.Time) *Selector {
	if weights.zero() {
		weights = DefaultWeights()
	}
	if maxFallbacks <= 0 {
		maxFallbacks = 2
	}
	if now == nil {
		now = time.Now
	}
	return &Selector{weights: weights, maxFallbacks: maxFallbacks, now: now}
}

// Select picks the highest-scoring viable channel for the recipient.
// Candidates are the channels the caller considers sendable; nil means
// every channel the campaign enables. Viable candidates are those with
// a contact address. Returns ErrNoViableChannel when the set is empty.
func (s *Selector) Select(camp *campaign.Campaign, prof *recipient.Profile, candidates []channel.Channel) (Result, error) {
	if candidates == nil {
		candidates = camp.EnabledChannels()
	}
	viable := prof.Contact.Viable(candidates)
	if len(viable) == 0 {
		return Result{}, ErrNoViableChannel
	}

	scores := make(map[channel.Channel]float64, len(viable))
	for _, ch := range viable {
		scores[ch] = s.Score(ch, camp, prof)
	}

	ranked := s.rank(viable, scores, camp, prof)
	best := ranked[0]

	// Channels within epsilon of the winner form the tie set; the
	// reason reports which rule actually decided.
	tied := 0
	for _, ch := range ranked {
		if scores[best]-scores[ch] <= tieEpsilon {
			tied++
		}
	}

	fallbacks := ranked[1:]
	if len(fallbacks) > s.maxFallbacks {
		fallbacks = fallbacks[:s.maxFallbacks]
	}

	return Result{
		Channel:   best,
		Score:     scores[best],
		Reason:    s.reason(best, tied, camp, prof),
		AllScores: scores,
		Fallbacks: fallbacks,
	}, nil
}

// rank orders channels by score descending. Channels tied within
// epsilon are ordered by the recipient's stated preference, then the
// campaign's priority list for the customer type, then channel name.
func (s *Selector) rank(viable []channel.Channel, scores map[channel.Channel]float64, camp *campaign.Campaign, prof *recipient.Profile) []channel.Channel {
	priority := camp.PriorityFor(string(prof.CustomerType))
	prioIdx := make(map[channel.Channel]int, len(priority))
	for i, ch := range priority {
		prioIdx[ch] = i
	}

	ranked := make([]channel.Channel, len(viable))
	copy(ranked, viable)
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		sa, sb := scores[a], scores[b]
		if diff := sa - sb; diff > tieEpsilon || diff < -tieEpsilon {
			return sa > sb
		}
		if prof.PreferredChannel != "" {
			if a == prof.PreferredChannel {
				return true
			}
			if b == prof.PreferredChannel {
				return false
			}
		}
		pa, oka := prioIdx[a]
		pb, okb := prioIdx[b]
		if oka && okb && pa != pb {
			return pa < pb
		}
		if oka != okb {
			return oka
		}
		return a < b
	})
	return ranked
}

// reason names what decided the pick: the tie-break rule when the top
// scores were within epsilon, otherwise the dominant scoring factor.
func (s *Selector) reason(best channel.Channel, tied int, camp *campaign.Campaign, prof *recipient.Profile) string {
	if tied > 1 {
		if best == prof.PreferredChannel {
			return "user_preference"
		}
		for _, ch := range camp.PriorityFor(string(prof.CustomerType)) {
			if ch == best {
				return "campaign_priority"
			}
		}
		return "lexical_order"
	}

	affinity := scoreCustomerType(best, prof.CustomerType) * s.weights.CustomerType
	engagement := scoreEngagement(best, prof.Engagement) * s.weights.Engagement
	switch {
	case engagement > affinity+tieEpsilon:
		return "historical_engagement"
	case affinity > engagement+tieEpsilon:
		return "customer_type_affinity"
	}
	return "best_overall_fit"
}

// Score computes the weighted suitability of one channel, capped at 1.0.
func (s *Selector) Score(ch channel.Channel, camp *campaign.Campaign, prof *recipient.Profile) float64 {
	score := scoreCustomerType(ch, prof.CustomerType) * s.weights.CustomerType
	score += scoreEngagement(ch, prof.Engagement) * s.weights.Engagement
	score += scoreDevice(ch, prof.Device) * s.weights.Device
	score += scoreUrgency(ch, camp.Urgency) * s.weights.Urgency
	score += scoreTimeOfDay(ch, s.now().In(prof.Location()).Hour(), bestHour(ch, prof.Engagement)) * s.weights.TimeOfDay
	if score > 1.0 {
		score = 1.0
	}
	return score
}

var affinityByCustomerType = map[recipient.CustomerType]map[channel.Channel]float64{
	recipient.CustomerNew: {
		channel.Email:     0.9,
		channel.Instagram: 0.7,
		channel.Facebook:  0.7,
		channel.LinkedIn:  0.6,
		channel.Twitter:   0.5,
		channel.WhatsApp:  0.4,
		channel.Chat:      0.8,
	},
	recipient.CustomerReturning: {
		channel.Email:     0.8,
		channel.Instagram: 0.9,
		channel.Facebook:  0.8,
		channel.LinkedIn:  0.7,
		channel.Twitter:   0.7,
		channel.WhatsApp:  0.6,
		channel.Chat:      0.7,
	},
	recipient.CustomerExisting: {
		channel.Email:     0.7,
		channel.Instagram: 0.8,
		channel.Facebook:  0.7,
		channel.LinkedIn:  0.8,
		channel.Twitter:   0.6,
		channel.WhatsApp:  0.9,
		channel.Chat:      0.9,
	},
}

func scoreCustomerType(ch channel.Channel, ct recipient.CustomerType) float64 {
	if v, ok := affinityByCustomerType[ct][ch]; ok {
		return v
	}
	return 0.5
}

func scoreEngagement(ch channel.Channel, hist map[channel.Channel]recipient.EngagementStats) float64 {
	if len(hist) == 0 {
		return 0.5
	}
	stats, ok := hist[ch]
	if !ok {
		return 0.5
	}
	score := stats.OpenRate*0.3 + stats.ClickRate*0.4 + stats.ReplyRate*0.3
	// Contacted before but never engaged: strong negative signal.
	if stats.MessagesSent > 0 && score == 0 {
		return 0.2
	}
	return score
}

var mobileFit = map[channel.Channel]float64{
	channel.Email:     0.7,
	channel.Instagram: 1.0,
	channel.Facebook:  0.9,
	channel.LinkedIn:  0.6,
	channel.Twitter:   0.9,
	channel.WhatsApp:  1.0,
	channel.Chat:      0.8,
}

var desktopFit = map[channel.Channel]float64{
	channel.Email:     1.0,
	channel.Instagram: 0.7,
	channel.Facebook:  0.8,
	channel.LinkedIn:  1.0,
	channel.Twitter:   0.7,
	channel.WhatsApp:  0.5,
	channel.Chat:      0.9,
}

func scoreDevice(ch channel.Channel, dev recipient.Device) float64 {
	var table map[channel.Channel]float64
	switch dev {
	case recipient.DeviceMobile:
		table = mobileFit
	case recipient.DeviceDesktop:
		table = desktopFit
	default:
		return 0.5
	}
	if v, ok := table[ch]; ok {
		return v
	}
	return 0.5
}

var urgencyFit = map[campaign.Urgency]map[channel.Channel]float64{
	campaign.UrgencyHigh: {
		channel.Email:     0.5,
		channel.Instagram: 0.7,
		channel.Facebook:  0.7,
		channel.LinkedIn:  0.4,
		channel.Twitter:   0.8,
		channel.WhatsApp:  1.0,
		channel.Chat:      1.0,
	},
	campaign.UrgencyNormal: {
		channel.Email:     1.0,
		channel.Instagram: 0.8,
		channel.Facebook:  0.8,
		channel.LinkedIn:  0.9,
		channel.Twitter:   0.7,
		channel.WhatsApp:  0.7,
		channel.Chat:      0.8,
	},
	campaign.UrgencyLow: {
		channel.Email:     1.0,
		channel.Instagram: 0.9,
		channel.Facebook:  0.9,
		channel.LinkedIn:  1.0,
		channel.Twitter:   0.8,
		channel.WhatsApp:  0.5,
		channel.Chat:      0.6,
	},
}

func scoreUrgency(ch channel.Channel, u campaign.Urgency) float64 {
	if v, ok := urgencyFit[u][ch]; ok {
		return v
	}
	return 0.5
}

// bestHour returns the recipient's historically best local hour on
// the channel, or -1 when there is no usable history.
func bestHour(ch channel.Channel, hist map[channel.Channel]recipient.EngagementStats) int {
	stats, ok := hist[ch]
	if !ok || stats.BestHour < 0 || stats.BestHour > 23 {
		return -1
	}
	return stats.BestHour
}

// scoreTimeOfDay rates how well the hour suits the channel. With known
// engagement history it scores closeness to the recipient's best hour;
// otherwise business hours favor email and LinkedIn, evenings favor
// social and WhatsApp, and only email is safe overnight.
func scoreTimeOfDay(ch channel.Channel, hour, best int) float64 {
	if best >= 0 {
		diff := hour - best
		if diff < 0 {
			diff = -diff
		}
		if diff > 12 {
			diff = 24 - diff
		}
		return 1.0 - float64(diff)/12.0
	}
	switch {
	case hour >= 9 && hour <= 17:
		switch ch {
		case channel.Email, channel.LinkedIn:
			return 1.0
		case channel.Instagram, channel.Facebook, channel.Twitter:
			return 0.6
		default:
			return 0.7
		}
	case hour >= 18 && hour <= 22:
		switch ch {
		case channel.Instagram, channel.Facebook, channel.WhatsApp:
			return 1.0
		case channel.Email:
			return 0.7
		default:
			return 0.8
		}
	default:
		if ch == channel.Email {
			return 0.9
		}
		return 0.3
	}
}
