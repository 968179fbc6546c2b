package experiments

// ledger maps subject IDs to their sticky assignment for one experiment.
// Entries are only ever inserted.
type ledger map[string]Assignment

func (l ledger) lookup(subjectID string) (Assignment, bool) {
	a, ok := l[subjectID]
	return a, ok
}

// insert stores a only when the subject has no assignment yet and returns
// the assignment that is in effect afterwards.
func (l ledger) insert(a Assignment) Assignment {
	if existing, ok := l[a.SubjectID]; ok {
		return existing
	}
	l[a.SubjectID] = a
	return a
}
