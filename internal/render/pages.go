package render

// Disclaimer accompanies every rendered result.
const Disclaimer = "Screening and educational use only. This tool does not diagnose or treat disease and must not be used to make medical decisions."

const About = `# About

## Baseline timing
The timing classifier only distinguishes systolic from diastolic phases
(S1 to S2 versus S2 to the next S1). It does not localise murmurs to precise timestamps.

## Confidence calibration
Temperature scaling adjusts probabilities so they better match observed accuracy
over many samples. Calibrated and raw probabilities are both reported.

## Recording quality gate
SNR, clipping and silence percentages produce a quality score and decide whether
a retake is recommended.

## Uncertainty estimation
Repeated stochastic forward passes (MC dropout) estimate uncertainty, which can
raise the screening concern level.

## Explainability
Saliency maps highlight the time-frequency regions that influenced the output.
They are descriptive only and are not clinical guidance.

## Datasets and licenses
Demo recordings are synthetic tones generated locally. Open datasets such as
PhysioNet/CinC 2016 can be used for exploration under their own licenses.
`

const Privacy = `# Privacy

The backend stores analysis results in its own database, and this client keeps a
local SQLite cache of submissions and results. Do not submit personal health
information or sensitive identifiers; use pseudonymous patient ids.

> ` + Disclaimer + "\n"

const Terms = `# Terms

This software is provided as-is for educational screening use. You are
responsible for appropriate consent and privacy when recording and submitting
heart sounds.

> ` + Disclaimer + "\n"
