package imagesource

// trueColorEvalscript renders B04/B03/B02 as an RGB PNG scaled by 1/3000.
const trueColorEvalscript = `//VERSION=3
function setup() {
  return {
    input: [{
      bands: ["B04", "B03", "B02", "SCL"],
      units: "DN"
    }],
    output: {
      bands: 3,
      sampleType: "AUTO"
    }
  };
}

function evaluatePixel(sample) {
  return [sample.B04 / 3000, sample.B03 / 3000, sample.B02 / 3000];
}
`
