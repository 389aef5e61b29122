package flashsync

// SubclassSummary describes one subclass of the baseline or patched image.
type SubclassSummary struct {
	ID      int  `json:"id"`
	Length  int  `json:"length"`
	Changed bool `json:"changed"`
}

// Summary is a JSON friendly snapshot of the session.
type Summary struct {
	NoAdapter    bool              `json:"no_adapter"`
	Read         bool              `json:"read"`
	Patched      bool              `json:"patched"`
	Subclasses   []SubclassSummary `json:"subclasses"`
	Changed      []int             `json:"changed"`
	PagesToWrite int               `json:"pages_to_write"`
	Applied      int               `json:"rows_applied"`
	Protected    int               `json:"rows_protected"`
	Conditions   []string          `json:"conditions,omitempty"`
}

// Summary returns a snapshot of the session for reporting.
func (c *Controller) Summary() Summary {
	s := c.Session()
	sum := Summary{
		NoAdapter:  s.NoAdapter,
		Read:       s.Baseline != nil,
		Patched:    s.Working != nil,
		Subclasses: []SubclassSummary{},
		Changed:    []int{},
	}

	changed := make(map[int]bool, len(s.Changed))
	for _, sc := range s.Changed {
		changed[sc.ID] = true
		sum.Changed = append(sum.Changed, sc.ID)
	}
	sum.PagesToWrite = len(s.Pages)

	img := s.Working
	if img == nil {
		img = s.Baseline
	}
	if img != nil {
		for _, sc := range img.Subclasses() {
			sum.Subclasses = append(sum.Subclasses, SubclassSummary{
				ID:      sc.ID,
				Length:  sc.Len(),
				Changed: changed[sc.ID],
			})
		}
	}

	if s.Report != nil {
		sum.Applied = s.Report.Applied
		sum.Protected = s.Report.Protected
		for _, cond := range s.Report.Conditions {
			sum.Conditions = append(sum.Conditions, cond.String())
		}
	}
	return sum
}
