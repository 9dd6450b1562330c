// Package quality scores candidate pixels.
//
// A Chain is an ordered list of stages applied left to right to one scene's
// pixel. Scoring starts from 1.0 and every stage multiplies it:
//
//   - Darkest multiplies by 1 - r, where r is the summed color sample rescaled
//     from [scale_min, scale_max] to [0,1]. Darker pixels score higher.
//   - Greenest multiplies by 2G / (2G + R + B), the green share of the pixel.
//   - SceneMeasure multiplies by a per-scene metadata value, constant over the
//     image (for example the acquisition time, to prefer the newest scene).
//   - CloudMask multiplies by a weight looked up from the Landsat 8 BQA cloud
//     and cirrus confidence bits. A weight of 0 rejects the pixel.
//   - Percentile does not score. It switches the chain's selection Policy from
//     argmax to an order statistic at the configured percentile.
//
// A stage that cannot score a pixel (a degenerate ratio, a sample that is not
// a valid BQA word) rejects that candidate for that pixel only.
//
// Stage parameters are validated when the chain is built; scene-dependent
// requirements (metadata keys, band counts) are validated by Chain.Check
// before any pixel is processed.
package quality
