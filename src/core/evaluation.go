package main

import "fmt"

// Threshold holds the credibility thresholds used by selection and consensus
type Threshold struct {
	CredibilityWeightThreshold uint32 `json:"credibilityWeightThreshold" yaml:"credibility_weight_threshold"`
	MinSelectedThreshold       uint32 `json:"minSelectedThreshold" yaml:"min_selected_threshold"`
	TrustworthyThreshold       uint32 `json:"trustworthyThreshold" yaml:"trustworthy_threshold"`
}

// SelectionRatio bounds the share of a selection round chosen by credibility
type SelectionRatio struct {
	UpperLimit uint32 `json:"upperLimit" yaml:"upper_limit"`
	LowerLimit uint32 `json:"lowerLimit" yaml:"lower_limit"`
}

// Coefficient parameterizes credibility rewards and penalties
type Coefficient struct {
	Min           uint32 `json:"min" yaml:"min"`
	Max           uint32 `json:"max" yaml:"max"`
	Middle        uint32 `json:"middle" yaml:"middle"`
	Range         uint32 `json:"range" yaml:"range"`
	SuccessStep   uint32 `json:"successStep" yaml:"success_step"`
	DoEvilStep    uint32 `json:"doEvilStep" yaml:"do_evil_step"`
	ExceptionStep uint32 `json:"exceptionStep" yaml:"exception_step"`
}

// Evaluation is the full router evaluation configuration
type Evaluation struct {
	Threshold               Threshold      `json:"threshold" yaml:"threshold"`
	SelectionRatio          SelectionRatio `json:"credibilitySelectionRatio" yaml:"credibility_selection_ratio"`
	Coefficient             Coefficient    `json:"evaluationCoefficient" yaml:"evaluation_coefficient"`
	InitialCredibilityValue uint32         `json:"initialCredibilityValue" yaml:"initial_credibility_value"`
	SelectedNumber          uint8          `json:"selectedNumber" yaml:"selected_number"`
}

// DefaultEvaluation returns the stock evaluation parameters
func DefaultEvaluation() Evaluation {
	return Evaluation{
		Threshold: Threshold{
			CredibilityWeightThreshold: 4000,
			MinSelectedThreshold:       3500,
			TrustworthyThreshold:       3500,
		},
		SelectionRatio: SelectionRatio{
			UpperLimit: 8000,
			LowerLimit: 6000,
		},
		Coefficient: Coefficient{
			Min:           0,
			Max:           Precision,
			Middle:        Precision / 2,
			Range:         Precision,
			SuccessStep:   100,
			DoEvilStep:    200,
			ExceptionStep: 100,
		},
		InitialCredibilityValue: 4000,
		SelectedNumber:          13,
	}
}

// ValidateThreshold checks a threshold update
func ValidateThreshold(t Threshold) error {
	if t.MinSelectedThreshold > t.TrustworthyThreshold {
		return fmt.Errorf("%w: min selected threshold %d above trustworthy threshold %d",
			ErrCreditValueError, t.MinSelectedThreshold, t.TrustworthyThreshold)
	}
	if t.CredibilityWeightThreshold > Precision {
		return fmt.Errorf("%w: credibility weight threshold %d", ErrCreditBeyondUpLimit, t.CredibilityWeightThreshold)
	}
	if t.TrustworthyThreshold > Precision {
		return fmt.Errorf("%w: trustworthy threshold %d", ErrCreditBeyondUpLimit, t.TrustworthyThreshold)
	}
	return nil
}

// ValidateSelectionRatio checks a selection ratio update
func ValidateSelectionRatio(r SelectionRatio) error {
	if r.LowerLimit > r.UpperLimit {
		return fmt.Errorf("%w: lower limit %d above upper limit %d", ErrCreditValueError, r.LowerLimit, r.UpperLimit)
	}
	if r.UpperLimit > Precision {
		return fmt.Errorf("%w: upper limit %d", ErrCreditBeyondUpLimit, r.UpperLimit)
	}
	return nil
}

// ValidateCoefficient checks a coefficient update
func ValidateCoefficient(c Coefficient) error {
	if c.Max > Precision {
		return fmt.Errorf("%w: max credibility %d", ErrCreditBeyondUpLimit, c.Max)
	}
	if c.Min > c.Middle || c.Middle > c.Max {
		return fmt.Errorf("%w: expected min <= middle <= max, got %d/%d/%d", ErrCreditValueError, c.Min, c.Middle, c.Max)
	}
	if c.Range == 0 {
		return fmt.Errorf("%w: range must be positive", ErrCreditValueError)
	}
	for _, step := range []uint32{c.SuccessStep, c.DoEvilStep, c.ExceptionStep} {
		if step > Precision {
			return fmt.Errorf("%w: step %d", ErrCreditBeyondUpLimit, step)
		}
	}
	return nil
}

// ValidateInitialCredibility checks the credibility assigned on registration
func ValidateInitialCredibility(value uint32) error {
	if value > Precision {
		return fmt.Errorf("%w: initial credibility %d", ErrCreditBeyondUpLimit, value)
	}
	return nil
}

// Validate checks the whole evaluation configuration
func (e Evaluation) Validate() error {
	if err := ValidateThreshold(e.Threshold); err != nil {
		return err
	}
	if err := ValidateSelectionRatio(e.SelectionRatio); err != nil {
		return err
	}
	if err := ValidateCoefficient(e.Coefficient); err != nil {
		return err
	}
	return ValidateInitialCredibility(e.InitialCredibilityValue)
}
