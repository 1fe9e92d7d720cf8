package catalog

import "slices"

// HealthReport aggregates data anomalies that never block reads but need an
// administrator's attention.
type HealthReport struct {
	Revision                  uint64   `json:"revision"`
	Documents                 int      `json:"documents"`
	Categories                int      `json:"categories"`
	Tags                      int      `json:"tags"`
	OrphanedCategoryRefs      int      `json:"orphanedCategoryRefs"`
	OrphanedTagRefs           int      `json:"orphanedTagRefs"`
	WithoutPermissions        int      `json:"withoutPermissions"`
	WithoutTitle              int      `json:"withoutTitle"`
	OrphanedCategoryDocuments []string `json:"orphanedCategoryDocuments,omitempty"`
	UnknownTagIDs             []string `json:"unknownTagIds,omitempty"`
}

// Health inspects a snapshot. It never fails.
func Health(s *Snapshot) HealthReport {
	report := HealthReport{
		Revision:   s.Revision(),
		Documents:  s.Len(),
		Categories: len(s.categories),
		Tags:       len(s.tags),
	}
	for _, doc := range s.documents {
		if _, ok := s.CategoryByKey(doc.CategoryKey); !ok {
			report.OrphanedCategoryRefs++
			report.OrphanedCategoryDocuments = append(report.OrphanedCategoryDocuments, doc.ID)
		}
		for _, tagID := range doc.TagIDs {
			if _, ok := s.Tag(tagID); !ok {
				report.OrphanedTagRefs++
				if !slices.Contains(report.UnknownTagIDs, tagID) {
					report.UnknownTagIDs = append(report.UnknownTagIDs, tagID)
				}
			}
		}
		if doc.ViewPermissions.Empty() && doc.DownloadPermissions.Empty() {
			report.WithoutPermissions++
		}
		if doc.Title == "" && doc.TitleKey == "" {
			report.WithoutTitle++
		}
	}
	slices.Sort(report.UnknownTagIDs)
	return report
}
