package quality

// Response is the client payload for an aggregation request.
type Response struct {
	Results AggregatedResult `json:"results"`
}

// Assemble wraps an aggregated result under the "results" field.
func Assemble(result AggregatedResult) Response {
	if result == nil {
		result = AggregatedResult{}
	}
	return Response{Results: result}
}

// buildResult keeps municipalities that yielded data, preserving mapping order.
func buildResult(outcomes []Outcome) AggregatedResult {
	result := make(AggregatedResult, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Source == SourceUnavailable || o.Source == "" {
			continue
		}

		data := o.Payload.Data
		if data == nil {
			data = []Measurement{}
		}
		result = append(result, CommuneResult{
			CommuneName: o.Municipality.Name,
			InseeCode:   o.Municipality.InseeCode,
			Data:        data,
			Source:      o.Source,
		})
	}
	return result
}
