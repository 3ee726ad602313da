package model

// runPipeline runs every exporter phase over every live object. Phase k
// completes for all objects before phase k+1 starts, and the object list
// is re-read at the start of each phase so objects created by an earlier
// phase take part in later ones. Objects dropped mid-phase are skipped.
//
// The pipeline is not incremental: phase 0 resets every derived field, so
// two runs over the same input produce the same result.
func (m *Model) runPipeline() {
	for phase := 0; phase < NumPhases; phase++ {
		for _, o := range m.sortedObjects() {
			if m.objects[o.path] != o {
				continue
			}
			if fn := o.typ.Exporters[phase]; fn != nil {
				fn(m, o)
			}
		}
	}
}
